package channels

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos/internal/bus"
	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/pkg/models"
)

// fakeAdapter records sends and typing transitions and lets tests inject
// inbound messages.
type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	handler InboundHandler
	sent    []string
	sentTo  []string
	typing  int
	stopped int
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Initialize(context.Context) error { return nil }
func (f *fakeAdapter) Start(context.Context) error      { return nil }
func (f *fakeAdapter) Stop(context.Context) error       { return nil }

func (f *fakeAdapter) Send(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.sentTo = append(f.sentTo, userID)
	return nil
}

func (f *fakeAdapter) StartTyping(string) {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
}

func (f *fakeAdapter) StopTyping(string) {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeAdapter) SetInboundHandler(fn InboundHandler) { f.handler = fn }
func (f *fakeAdapter) Status() Status                      { return Status{Connected: true} }

func (f *fakeAdapter) inject(msg *models.ChannelMessage) { f.handler(msg) }

type channelFixture struct {
	hub     *bus.Hub
	svc     *Service
	adapter *fakeAdapter
	store   sessions.Store
}

func startChannelFixture(t *testing.T, settings ChannelSettings) *channelFixture {
	t.Helper()
	hub := bus.NewHub(bus.HubConfig{Addr: "127.0.0.1:0"})
	if err := hub.Start(); err != nil {
		t.Fatal(err)
	}
	url := "ws://" + hub.Addr() + "/ws"

	store, err := sessions.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessionSvc := sessions.NewService(url, store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sessionSvc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	media, err := NewMediaStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(url, media, nil)
	adapter := &fakeAdapter{name: "whatsapp"}
	svc.AddAdapter(adapter, settings)
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer stopCancel()
		svc.Stop(stopCtx)
		sessionSvc.Stop()
		_ = hub.Shutdown(stopCtx)
	})
	return &channelFixture{hub: hub, svc: svc, adapter: adapter, store: store}
}

func subscribe(t *testing.T, h *bus.Hub, event string) <-chan json.RawMessage {
	t.Helper()
	out := make(chan json.RawMessage, 16)
	client := bus.NewClient(bus.ClientConfig{
		URL:          "ws://" + h.Addr() + "/ws",
		Registration: bus.Registration{Service: "probe-" + event, Version: "1", Subscriptions: []string{event}},
		OnEvent: func(name string, payload json.RawMessage) {
			if name == event {
				out <- payload
			}
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return out
}

func TestInboundBurstCoalescesIntoOneTurn(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{DebounceDelay: 80 * time.Millisecond})
	received := subscribe(t, f.hub, models.EventMessageReceived)

	f.adapter.inject(&models.ChannelMessage{Channel: "whatsapp", MessageID: "m1", SenderID: "u1", Text: "hello"})
	time.Sleep(20 * time.Millisecond)
	f.adapter.inject(&models.ChannelMessage{Channel: "whatsapp", MessageID: "m2", SenderID: "u1", Text: "world"})
	time.Sleep(20 * time.Millisecond)
	f.adapter.inject(&models.ChannelMessage{Channel: "whatsapp", MessageID: "m3", SenderID: "u1", Text: "how are you?"})

	var event models.MessageReceivedEvent
	select {
	case payload := <-received:
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message.received published")
	}
	if event.SessionKey != "whatsapp:u1" || event.Content != "hello\nworld\nhow are you?" {
		t.Errorf("event = %+v", event)
	}

	// Exactly one turn: no second event.
	select {
	case extra := <-received:
		t.Fatalf("unexpected second event: %s", extra)
	case <-time.After(200 * time.Millisecond):
	}

	// The session exists and holds the coalesced user message.
	msgs, err := f.store.GetMessages(context.Background(), "whatsapp:u1", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser || msgs[0].Content != event.Content {
		t.Errorf("persisted = %+v", msgs)
	}
}

func TestInboundDeduplicationUnderBurst(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{DebounceDelay: 50 * time.Millisecond})
	received := subscribe(t, f.hub, models.EventMessageReceived)

	for i := 0; i < 3; i++ {
		f.adapter.inject(&models.ChannelMessage{Channel: "whatsapp", MessageID: "m1", SenderID: "u1", Text: "hi"})
	}

	var event models.MessageReceivedEvent
	select {
	case payload := <-received:
		_ = json.Unmarshal(payload, &event)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	if event.Content != "hi" {
		t.Errorf("duplicates leaked into the batch: %q", event.Content)
	}
}

func TestInboundAllowlist(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{
		DebounceDelay: 30 * time.Millisecond,
		Allowlist:     []string{"u1"},
	})
	received := subscribe(t, f.hub, models.EventMessageReceived)

	f.adapter.inject(&models.ChannelMessage{Channel: "whatsapp", MessageID: "m1", SenderID: "stranger", Text: "let me in"})
	select {
	case <-received:
		t.Fatal("non-allowlisted sender got through")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOutboundSendChunksAndStripsHeartbeat(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{MaxChunk: 20})

	caller := bus.NewClient(bus.ClientConfig{
		URL:          "ws://" + f.hub.Addr() + "/ws",
		Registration: bus.Registration{Service: "tester", Version: "1"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := caller.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer caller.Close()

	// Heartbeat-only reply is suppressed.
	var out struct {
		Delivered int `json:"delivered"`
	}
	err := caller.CallInto(ctx, "channel.send", SendParams{
		Channel: "whatsapp", UserID: "u1", Text: "**HEARTBEAT_OK**",
	}, &out, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out.Delivered != 0 {
		t.Errorf("heartbeat reply delivered %d chunks", out.Delivered)
	}

	// Long text chunks sequentially and loses nothing.
	text := "alpha beta gamma\ndelta epsilon zeta\neta theta iota"
	err = caller.CallInto(ctx, "channel.send", SendParams{
		Channel: "whatsapp", UserID: "u1", Text: text,
	}, &out, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	if len(f.adapter.sent) != out.Delivered || out.Delivered < 2 {
		t.Fatalf("sent = %v delivered = %d", f.adapter.sent, out.Delivered)
	}
	joined := strings.Join(f.adapter.sent, "\n")
	if joined != text {
		t.Errorf("chunk content drift:\n got %q\nwant %q", joined, text)
	}

	// Unknown channel is an RPC error.
	err = caller.CallInto(ctx, "channel.send", SendParams{Channel: "nope", UserID: "u1", Text: "x"}, nil, 5*time.Second)
	if !bus.IsCode(err, bus.CodeNotFound) {
		t.Errorf("unknown channel err = %v", err)
	}
}

func TestTypingFollowsRunLifecycle(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{TypingRefresh: 30 * time.Millisecond})

	pub := bus.NewClient(bus.ClientConfig{
		URL:          "ws://" + f.hub.Addr() + "/ws",
		Registration: bus.Registration{Service: "agent-fake", Version: "1", Events: []string{models.EventRunStarted, models.EventRunCompleted}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	_ = pub.Emit(models.EventRunStarted, &models.RunStartedEvent{SessionKey: "whatsapp:u1", RunID: "r1"})

	// Typing asserted and re-asserted while the run is live.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.adapter.mu.Lock()
		n := f.adapter.typing
		f.adapter.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.adapter.mu.Lock()
	if f.adapter.typing < 2 {
		f.adapter.mu.Unlock()
		t.Fatal("typing not re-asserted")
	}
	f.adapter.mu.Unlock()

	_ = pub.Emit(models.EventRunCompleted, &models.RunCompletedEvent{SessionKey: "whatsapp:u1", RunID: "r1", Success: true})
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.adapter.mu.Lock()
		stopped := f.adapter.stopped
		f.adapter.mu.Unlock()
		if stopped > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("typing never stopped after run.completed")
}

func TestCLIRootedRunDoesNotToggleTyping(t *testing.T) {
	f := startChannelFixture(t, ChannelSettings{})
	pub := bus.NewClient(bus.ClientConfig{
		URL:          "ws://" + f.hub.Addr() + "/ws",
		Registration: bus.Registration{Service: "agent-fake", Version: "1"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer pub.Close()

	_ = pub.Emit(models.EventRunStarted, &models.RunStartedEvent{SessionKey: "cli:main", RunID: "r2"})
	time.Sleep(150 * time.Millisecond)
	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	if f.adapter.typing != 0 {
		t.Error("cli session toggled a channel typing indicator")
	}
}
