package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(HubConfig{Addr: "127.0.0.1:0"})
	if err := h.Start(); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func wsURL(h *Hub) string { return "ws://" + h.Addr() + "/ws" }

func connectClient(t *testing.T, h *Hub, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = wsURL(h)
	c := NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", cfg.Registration.Service, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestHubRoutesRequestToRegisteredMethod(t *testing.T) {
	h := startTestHub(t)

	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "echo", Version: "1", Methods: []string{"echo.say"}},
		OnMethod: func(_ context.Context, method string, params json.RawMessage) (any, error) {
			var in map[string]string
			_ = json.Unmarshal(params, &in)
			return map[string]string{"heard": in["text"]}, nil
		},
	})
	caller := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "caller", Version: "1"},
	})

	var out map[string]string
	err := caller.CallInto(context.Background(), "echo.say", map[string]string{"text": "hi"}, &out, 5*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["heard"] != "hi" {
		t.Errorf("result = %v", out)
	}
}

func TestHubNoRoute(t *testing.T) {
	h := startTestHub(t)
	caller := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "caller", Version: "1"},
	})

	_, err := caller.Call(context.Background(), "nobody.home", nil, 2*time.Second)
	if !IsCode(err, CodeNoRoute) {
		t.Fatalf("err = %v, want NoRoute", err)
	}
}

func TestHubRejectsDuplicateMethodOwner(t *testing.T) {
	h := startTestHub(t)
	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "first", Version: "1", Methods: []string{"x.do"}},
		OnMethod: func(context.Context, string, json.RawMessage) (any, error) {
			return nil, nil
		},
	})

	dup := NewClient(ClientConfig{
		URL:          wsURL(h),
		Registration: Registration{Service: "second", Version: "1", Methods: []string{"x.do"}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := dup.Connect(ctx)
	if err == nil {
		dup.Close()
		t.Fatal("second registration of x.do should fail")
	}
	if !IsCode(err, CodeAlreadyExists) {
		t.Errorf("err = %v, want AlreadyExists", err)
	}
}

func TestHubSynthesizesTimeout(t *testing.T) {
	h := startTestHub(t)
	block := make(chan struct{})
	defer close(block)
	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "slow", Version: "1", Methods: []string{"slow.op"}},
		OnMethod: func(context.Context, string, json.RawMessage) (any, error) {
			<-block
			return nil, nil
		},
	})
	caller := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "caller", Version: "1"},
	})

	start := time.Now()
	_, err := caller.Call(context.Background(), "slow.op", nil, 300*time.Millisecond)
	if !IsCode(err, CodeTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout fired far too late")
	}
}

func TestHubEventFanoutPreservesOrder(t *testing.T) {
	h := startTestHub(t)

	const n = 50
	var mu sync.Mutex
	got := make([]int, 0, n)
	done := make(chan struct{})

	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "sub", Version: "1", Subscriptions: []string{"tick"}},
		OnEvent: func(name string, payload json.RawMessage) {
			var p struct {
				N int `json:"n"`
			}
			_ = json.Unmarshal(payload, &p)
			mu.Lock()
			got = append(got, p.N)
			if len(got) == n {
				close(done)
			}
			mu.Unlock()
		},
	})
	pub := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "pub", Version: "1", Events: []string{"tick"}},
	})

	for i := 0; i < n; i++ {
		if err := pub.Emit("tick", map[string]int{"n": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		t.Fatalf("received %d/%d events", len(got), n)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event order broken at %d: got %d", i, v)
		}
	}
}

func TestHubEventNotDeliveredToNonSubscriber(t *testing.T) {
	h := startTestHub(t)
	received := make(chan string, 1)
	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "sub", Version: "1", Subscriptions: []string{"a"}},
		OnEvent: func(name string, _ json.RawMessage) {
			received <- name
		},
	})
	pub := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "pub", Version: "1"},
	})

	_ = pub.Emit("b", map[string]string{})
	_ = pub.Emit("a", map[string]string{})

	select {
	case name := <-received:
		if name != "a" {
			t.Fatalf("received %q, want only %q", name, "a")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribed event never arrived")
	}
	select {
	case name := <-received:
		t.Fatalf("unexpected extra event %q", name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHubInspect(t *testing.T) {
	h := startTestHub(t)
	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "svc", Version: "2", Methods: []string{"svc.m"}, Subscriptions: []string{"e"}},
		OnMethod: func(context.Context, string, json.RawMessage) (any, error) { return nil, nil },
	})
	caller := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "caller", Version: "1"},
	})

	var out struct {
		Services []struct {
			Service string   `json:"service"`
			Methods []string `json:"methods"`
		} `json:"services"`
	}
	if err := caller.CallInto(context.Background(), "gateway.inspect", nil, &out, 3*time.Second); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	found := false
	for _, s := range out.Services {
		if s.Service == "svc" && len(s.Methods) == 1 && s.Methods[0] == "svc.m" {
			found = true
		}
	}
	if !found {
		t.Errorf("inspect missing svc registration: %+v", out.Services)
	}
}

func TestHandlerErrorClassification(t *testing.T) {
	h := startTestHub(t)
	connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "svc", Version: "1", Methods: []string{"svc.notfound", "svc.boom"}},
		OnMethod: func(_ context.Context, method string, _ json.RawMessage) (any, error) {
			if method == "svc.notfound" {
				return nil, Errorf(CodeNotFound, "no such thing")
			}
			panic("boom")
		},
	})
	caller := connectClient(t, h, ClientConfig{
		Registration: Registration{Service: "caller", Version: "1"},
	})

	_, err := caller.Call(context.Background(), "svc.notfound", nil, 3*time.Second)
	if !IsCode(err, CodeNotFound) {
		t.Errorf("classified error lost: %v", err)
	}
	_, err = caller.Call(context.Background(), "svc.boom", nil, 3*time.Second)
	if !IsCode(err, CodeInternal) {
		t.Errorf("panic should surface as Internal, got %v", err)
	}
}
