package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aviaryhq/aviary-go/auth"
	"github.com/aviaryhq/aviary-go/stream"
	"github.com/aviaryhq/aviary-go/transport"
)

type memSnapshot struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemSnapshot() *memSnapshot {
	return &memSnapshot{values: make(map[string]string)}
}

func (m *memSnapshot) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *memSnapshot) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value.(string)
	return nil
}

func newClients(baseURL string) (*transport.Client, *stream.Client) {
	src := auth.NewSource(newMemSnapshot())
	src.Set(&auth.Token{Access: "tok", Refresh: "ref"})
	t := transport.NewClient(baseURL, src)
	return t, stream.NewClient(t)
}

// collector gathers stream callbacks for assertions.
type collector struct {
	mu     sync.Mutex
	events []stream.Event
	done   bool
	expl   bool
	errs   []error
	finish chan struct{}
}

func newCollector() *collector {
	return &collector{finish: make(chan struct{})}
}

func (c *collector) options() stream.Options {
	return stream.Options{
		OnEvent: func(ev stream.Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		},
		OnDone: func(explicit bool) {
			c.mu.Lock()
			c.done = true
			c.expl = explicit
			c.mu.Unlock()
			close(c.finish)
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			close(c.finish)
		},
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.finish:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
	}
}

func TestOpenDeliversEventsInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		"data: {\"type\":\"message\",\"content\":\"H\"}\n\n",
		"data: {\"type\":\"message\",\"content\":\"He\"}\n\n",
		"data: {\"type\":\"status\",\"stage\":\"gen\"}\n\n",
		"data: [DONE]\n\n",
	}))
	defer srv.Close()

	_, sc := newClients(srv.URL)
	col := newCollector()

	cancel, err := sc.Open(context.Background(), "/agents/a1/chat", col.options())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cancel()

	col.wait(t)

	if len(col.events) != 3 {
		t.Fatalf("events = %d; want 3", len(col.events))
	}
	if col.events[0].Type != "message" || col.events[0].Get("content").String() != "H" {
		t.Errorf("event[0] = %+v", col.events[0])
	}
	if col.events[1].Get("content").String() != "He" {
		t.Errorf("event[1] = %+v", col.events[1])
	}
	if col.events[2].Type != "status" {
		t.Errorf("event[2] = %+v", col.events[2])
	}
	if !col.done || !col.expl {
		t.Errorf("done = %v explicit = %v; want sentinel termination", col.done, col.expl)
	}
}

func TestOpenRawPayloadPassthrough(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		"event: note\ndata: plain text, not json\n\n",
		"data: [DONE]\n\n",
	}))
	defer srv.Close()

	_, sc := newClients(srv.URL)
	col := newCollector()

	cancel, err := sc.Open(context.Background(), "/s", col.options())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cancel()
	col.wait(t)

	if len(col.events) != 1 {
		t.Fatalf("events = %d; want 1", len(col.events))
	}
	ev := col.events[0]
	if ev.Structured {
		t.Error("expected unstructured passthrough")
	}
	if ev.Type != "note" || ev.Data != "plain text, not json" {
		t.Errorf("event = %+v", ev)
	}
}

func TestOpenTransportCloseIsNotSentinel(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		"data: {\"type\":\"message\",\"content\":\"x\"}\n\n",
	}))
	defer srv.Close()

	_, sc := newClients(srv.URL)
	col := newCollector()

	cancel, err := sc.Open(context.Background(), "/s", col.options())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cancel()
	col.wait(t)

	if !col.done || col.expl {
		t.Errorf("done = %v explicit = %v; want plain close", col.done, col.expl)
	}
}

func TestOpenRetriesOnceAfterAuthFailure(t *testing.T) {
	var refreshCalls, streamCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "tok-new",
			"refresh_token": "ref-new",
		})
	})
	mux.HandleFunc("/s", func(w http.ResponseWriter, r *http.Request) {
		streamCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-new" {
			http.Error(w, `{"message":"expired"}`, http.StatusUnauthorized)
			return
		}
		sseHandler([]string{"data: [DONE]\n\n"})(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, sc := newClients(srv.URL)
	col := newCollector()

	cancel, err := sc.Open(context.Background(), "/s", col.options())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer cancel()
	col.wait(t)

	if got := refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d; want 1", got)
	}
	if got := streamCalls.Load(); got != 2 {
		t.Errorf("stream connects = %d; want 2", got)
	}
	if !col.expl {
		t.Error("expected sentinel termination after retry")
	}
}

func TestOpenSecondAuthFailureIsTerminal(t *testing.T) {
	var streamCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "tok-new",
			"refresh_token": "ref-new",
		})
	})
	mux.HandleFunc("/s", func(w http.ResponseWriter, r *http.Request) {
		streamCalls.Add(1)
		http.Error(w, `{"message":"still expired"}`, http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, sc := newClients(srv.URL)

	_, err := sc.Open(context.Background(), "/s", stream.Options{})
	if !errors.Is(err, transport.ErrAuth) {
		t.Fatalf("Open() error = %v; want ErrAuth", err)
	}
	if got := streamCalls.Load(); got != 2 {
		t.Errorf("stream connects = %d; want exactly 2 (no further retry)", got)
	}
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	firstSent := make(chan struct{})
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"one\"}\n\n")
		flusher.Flush()
		close(firstSent)
		<-hold
		fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"two\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()
	defer close(hold)

	_, sc := newClients(srv.URL)

	var mu sync.Mutex
	var events []stream.Event
	var errs []error
	gotFirst := make(chan struct{}, 1)

	cancel, err := sc.Open(context.Background(), "/s", stream.Options{
		OnEvent: func(ev stream.Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			select {
			case gotFirst <- struct{}{}:
			default:
			}
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	<-firstSent
	select {
	case <-gotFirst:
	case <-time.After(5 * time.Second):
		t.Fatal("first event not delivered")
	}

	cancel()
	// Give a stale delivery a chance to fire if suppression were broken.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Errorf("events after cancel = %d; want 1", len(events))
	}
	// The aborted read surfaces no error: post-cancel errors are swallowed.
	if len(errs) != 0 {
		t.Errorf("errors after cancel = %v; want none", errs)
	}
}

func TestOpenConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"teapot"}`, http.StatusTeapot)
	}))
	defer srv.Close()

	_, sc := newClients(srv.URL)
	_, err := sc.Open(context.Background(), "/s", stream.Options{})
	if !errors.Is(err, transport.ErrServer) {
		t.Fatalf("Open() error = %v; want ErrServer", err)
	}
}
