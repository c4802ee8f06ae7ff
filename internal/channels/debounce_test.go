package channels

import (
	"sync"
	"testing"
	"time"
)

type batchCollector struct {
	mu      sync.Mutex
	batches []string
	senders []string
	ch      chan struct{}
}

func newBatchCollector() *batchCollector {
	return &batchCollector{ch: make(chan struct{}, 16)}
}

func (c *batchCollector) onBatch(senderID, text string) {
	c.mu.Lock()
	c.batches = append(c.batches, text)
	c.senders = append(c.senders, senderID)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *batchCollector) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(timeout):
		t.Fatal("no batch within timeout")
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	c := newBatchCollector()
	d := NewDebouncer(60*time.Millisecond, c.onBatch)
	defer d.Close()

	d.Push("u1", "hello")
	time.Sleep(15 * time.Millisecond)
	d.Push("u1", "world")
	time.Sleep(15 * time.Millisecond)
	d.Push("u1", "how are you?")

	c.wait(t, time.Second)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(c.batches))
	}
	if c.batches[0] != "hello\nworld\nhow are you?" {
		t.Errorf("batch = %q", c.batches[0])
	}
	if c.senders[0] != "u1" {
		t.Errorf("sender = %q", c.senders[0])
	}
}

func TestDebouncerGapFlushesAndRearms(t *testing.T) {
	c := newBatchCollector()
	d := NewDebouncer(40*time.Millisecond, c.onBatch)
	defer d.Close()

	d.Push("u1", "first")
	c.wait(t, time.Second)
	d.Push("u1", "second")
	c.wait(t, time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 2 || c.batches[0] != "first" || c.batches[1] != "second" {
		t.Errorf("batches = %v", c.batches)
	}
}

func TestDebouncerSendersAreIndependent(t *testing.T) {
	c := newBatchCollector()
	d := NewDebouncer(50*time.Millisecond, c.onBatch)
	defer d.Close()

	d.Push("u1", "from one")
	d.Push("u2", "from two")
	c.wait(t, time.Second)
	c.wait(t, time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) != 2 {
		t.Fatalf("batches = %v", c.batches)
	}
	got := map[string]bool{c.senders[0]: true, c.senders[1]: true}
	if !got["u1"] || !got["u2"] {
		t.Errorf("senders = %v", c.senders)
	}
}

func TestDebouncerCancelAllDropsWithoutFlushing(t *testing.T) {
	c := newBatchCollector()
	d := NewDebouncer(40*time.Millisecond, c.onBatch)
	defer d.Close()

	d.Push("u1", "doomed")
	d.CancelAll()
	if n := d.Pending("u1"); n != 0 {
		t.Errorf("pending after cancel = %d", n)
	}
	select {
	case <-c.ch:
		t.Fatal("canceled buffer must not flush")
	case <-time.After(100 * time.Millisecond):
	}
}
