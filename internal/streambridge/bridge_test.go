package streambridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// sseHandler writes each of lines as one `data: ...` SSE event, then blocks
// until the request context is canceled (simulating a long-lived stream).
func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}

		<-r.Context().Done()
	}
}

func TestSubscribeDeliversRecognizedEvents(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"type":"text_chunk","text":"hi"}`,
		`{"type":"session_idle"}`,
	}))
	defer srv.Close()

	b := New(nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := b.Subscribe(ctx, "sess1", srv.URL)

	var got []Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("only received %d/2 events before deadline: %+v", len(got), got)
		}
	}

	if got[0].Kind != KindTextChunk || got[0].Text != "hi" {
		t.Fatalf("first event = %+v, want TextChunk{hi}", got[0])
	}
	if got[1].Kind != KindSessionIdle {
		t.Fatalf("second event = %+v, want SessionIdle", got[1])
	}
}

func TestSubscribeIsIdempotentPerSession(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil))
	defer srv.Close()

	b := New(nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := b.Subscribe(ctx, "sess1", srv.URL)
	second := b.Subscribe(ctx, "sess1", srv.URL)

	if first != second {
		t.Fatalf("Subscribe on an already-subscribed session_id returned a different channel")
	}
}

func TestSubscribeDropsUnrecognizedEventTypeSilently(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"type":"something_new"}`,
		`{"type":"session_idle"}`,
	}))
	defer srv.Close()

	b := New(nil, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := b.Subscribe(ctx, "sess1", srv.URL)

	select {
	case ev := <-events:
		if ev.Kind != KindSessionIdle {
			t.Fatalf("first delivered event = %+v, want the unrecognized one dropped and SessionIdle delivered instead", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered; unrecognized event may have wedged the stream")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		sseHandler([]string{`{"type":"session_idle"}`})(w, r)
	}))
	defer srv.Close()

	b := New(nil, 10*time.Millisecond)
	events := b.Subscribe(context.Background(), "sess1", srv.URL)

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered before Unsubscribe")
	}

	b.Unsubscribe("sess1")

	if _, ok := <-events; ok {
		t.Fatalf("events channel still open after Unsubscribe")
	}
}

func TestMarkFromTelegramSuppressesEcho(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		<-release // wait until the test has marked the echo before emitting it
		for _, line := range []string{
			`{"type":"text_chunk","text":"echoed"}`,
			`{"type":"session_idle"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := New(nil, time.Hour) // long batch interval: text would sit unflushed if it were batched
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe registers the subscription synchronously before its
	// connect-and-read goroutine starts, so the mark below is guaranteed to
	// land before the server (held open on release) emits the echo.
	events := b.Subscribe(ctx, "sess1", srv.URL)
	b.MarkFromTelegram("sess1", "echoed")
	close(release)

	select {
	case ev := <-events:
		if ev.Kind != KindSessionIdle {
			t.Fatalf("first delivered event = %+v, want the marked echo dropped and SessionIdle delivered", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}
}
