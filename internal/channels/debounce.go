package channels

import (
	"strings"
	"sync"
	"time"
)

// DefaultDebounceDelay is how long a sender's burst is allowed to grow
// before it flushes as one turn.
const DefaultDebounceDelay = 1500 * time.Millisecond

// Debouncer coalesces a burst of text messages from one sender into a
// single batch. Each push appends to the sender's buffer and re-arms its
// timer; when the timer fires the buffered texts flush, joined by newlines,
// as one onBatch call. Messages arriving while a handler runs simply start
// the next buffer.
type Debouncer struct {
	delay   time.Duration
	onBatch func(senderID, text string)

	mu      sync.Mutex
	buffers map[string]*senderBuffer
	closed  bool
}

type senderBuffer struct {
	texts []string
	timer *time.Timer
}

// NewDebouncer creates a debouncer firing onBatch after delay of quiet.
func NewDebouncer(delay time.Duration, onBatch func(senderID, text string)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{
		delay:   delay,
		onBatch: onBatch,
		buffers: make(map[string]*senderBuffer),
	}
}

// Push appends text to senderID's pending batch and re-arms its timer.
func (d *Debouncer) Push(senderID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	buf, ok := d.buffers[senderID]
	if !ok {
		buf = &senderBuffer{}
		d.buffers[senderID] = buf
	}
	buf.texts = append(buf.texts, text)
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(d.delay, func() { d.flush(senderID, buf) })
}

// flush detaches the buffer and hands the joined batch to the handler on
// its own goroutine, so a slow handler never blocks new pushes.
func (d *Debouncer) flush(senderID string, buf *senderBuffer) {
	d.mu.Lock()
	current, ok := d.buffers[senderID]
	if !ok || current != buf || len(buf.texts) == 0 {
		d.mu.Unlock()
		return
	}
	delete(d.buffers, senderID)
	texts := buf.texts
	d.mu.Unlock()

	go d.onBatch(senderID, strings.Join(texts, "\n"))
}

// Pending returns the buffered message count for senderID.
func (d *Debouncer) Pending(senderID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.buffers[senderID]; ok {
		return len(buf.texts)
	}
	return 0
}

// CancelAll drops every pending buffer without flushing.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	d.buffers = make(map[string]*senderBuffer)
}

// Close cancels all pending buffers and rejects further pushes.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	for _, buf := range d.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	d.buffers = make(map[string]*senderBuffer)
	d.mu.Unlock()
}
