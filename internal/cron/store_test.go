package cron

import (
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	task := &Task{
		ID: "digest", Name: "daily digest", Schedule: "0 9 * * *",
		Task: "summarize the inbox", Enabled: true,
		SessionKey: "cron:digest", Notify: []string{"whatsapp:u1"},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Put(task); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same file sees the task.
	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reloaded.Get("digest")
	if !ok {
		t.Fatal("task lost across reload")
	}
	if got.Schedule != "0 9 * * *" || got.Task != "summarize the inbox" {
		t.Errorf("reloaded = %+v", got)
	}
	if len(got.Notify) != 1 || got.Notify[0] != "whatsapp:u1" {
		t.Errorf("notify = %v", got.Notify)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestStoreRemove(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(&Task{ID: "x", Schedule: "* * * * *", Task: "t"}); err != nil {
		t.Fatal(err)
	}
	existed, err := s.Remove("x")
	if err != nil || !existed {
		t.Fatalf("remove = %v %v", existed, err)
	}
	existed, err = s.Remove("x")
	if err != nil || existed {
		t.Fatalf("second remove = %v %v", existed, err)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(&Task{ID: "x", Schedule: "* * * * *", Task: "orig"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get("x")
	got.Task = "mutated"
	again, _ := s.Get("x")
	if again.Task != "orig" {
		t.Error("Get must return a copy")
	}
}
