package streambridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
	"go.uber.org/zap"
)

// Bridge owns one SSE subscription per active session (spec.md §4.6).
// Grounded on processmgr/process.go's supervise() shape (multiplexed
// reader, grace-window reconnect classification) generalized to an SSE
// client connection instead of a child process's stdio pipes, using
// github.com/tmaxmax/go-sse for event-stream parsing instead of a
// hand-rolled bufio.Scanner line parser.
type Bridge struct {
	log           *zap.Logger
	batchInterval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription // session_id -> subscription
}

// New constructs a Bridge.
func New(log *zap.Logger, batchInterval time.Duration) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		log:           log.Named("stream_bridge"),
		batchInterval: batchInterval,
		subs:          make(map[string]*subscription),
	}
}

type subscription struct {
	cancel context.CancelFunc
	dedup  *dedupSet
	events chan Event
	done   chan struct{}
}

// Subscribe opens an SSE connection to sseURL and returns a channel of
// well-typed events, draining it is the caller's (glue's) responsibility
// (spec.md §4.6.1).
func (b *Bridge) Subscribe(ctx context.Context, sessionID, sseURL string) <-chan Event {
	b.mu.Lock()
	if existing, ok := b.subs[sessionID]; ok {
		b.mu.Unlock()
		return existing.events
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel: cancel,
		dedup:  newDedupSet(),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	b.subs[sessionID] = sub
	b.mu.Unlock()

	go b.run(subCtx, sessionID, sseURL, sub)
	return sub.events
}

// Unsubscribe signals cancellation and awaits teardown (spec.md §4.6.1).
func (b *Bridge) Unsubscribe(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.cancel()
	<-sub.done
}

// MarkFromTelegram records text as user-originated so the Bridge can drop
// the process's own echo of it (spec.md §4.6.3).
func (b *Bridge) MarkFromTelegram(sessionID, text string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	b.mu.Unlock()
	if ok {
		sub.dedup.mark(text)
	}
}

// run drives one subscription's lifetime: connect, parse, dedup, batch,
// and reconnect with exponential backoff on stream error or EOF until the
// caller requests teardown (spec.md §4.6.1).
func (b *Bridge) run(ctx context.Context, sessionID, sseURL string, sub *subscription) {
	defer close(sub.done)
	defer close(sub.events)

	log := b.log.With(zap.String("session_id", sessionID))
	bat := newBatcher(b.batchInterval, sub.events)
	defer bat.Close()

	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := b.connectOnce(ctx, sseURL, sub, bat, log)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("sse connection ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bridge) connectOnce(ctx context.Context, sseURL string, sub *subscription, bat *batcher, log *zap.Logger) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return err
	}

	conn := sse.NewConnection(req)

	unsubscribe := conn.SubscribeMessages(func(ev sse.Event) {
		var raw rawEvent
		if err := json.Unmarshal([]byte(ev.Data), &raw); err != nil {
			log.Warn("malformed sse payload", zap.Error(err))
			return
		}

		event, ok := fromRaw(raw)
		if !ok {
			log.Debug("ignoring unrecognized sse event type", zap.String("type", raw.Type))
			return
		}
		if event.Kind == KindTextChunk && sub.dedup.matchAndConsume(event.Text) {
			return
		}
		bat.Push(event)
	})
	defer unsubscribe()

	return conn.Connect()
}
