package streambridge

import (
	"strings"
	"sync"
	"time"
)

// batcher coalesces TextChunk events, emitting a single aggregate every
// batchInterval or when a non-text event arrives — whichever first. The
// triggering non-text event is emitted after the flush so downstream sees
// in-order delivery (spec.md §4.6.4).
type batcher struct {
	mu       sync.Mutex
	pending  strings.Builder
	interval time.Duration
	out      chan<- Event
	timer    *time.Timer
}

func newBatcher(interval time.Duration, out chan<- Event) *batcher {
	return &batcher{interval: interval, out: out}
}

// Push accumulates or flushes-and-forwards ev.
func (b *batcher) Push(ev Event) {
	if ev.IsText() {
		b.mu.Lock()
		b.pending.WriteString(ev.Text)
		if b.timer == nil {
			b.timer = time.AfterFunc(b.interval, b.flush)
		}
		b.mu.Unlock()
		return
	}

	b.flush()
	b.out <- ev
}

// flush emits the accumulated text as one TextChunk, if any.
func (b *batcher) flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text := b.pending.String()
	b.pending.Reset()
	b.mu.Unlock()

	if text != "" {
		b.out <- Event{Kind: KindTextChunk, Text: text}
	}
}

// Close flushes any remaining accumulated text.
func (b *batcher) Close() {
	b.flush()
}
