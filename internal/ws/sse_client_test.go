package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// streamWriter is a goroutine-safe ResponseWriter. When gate is set every
// Write blocks until gate is closed.
type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	gate   chan struct{}
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }
func (w *streamWriter) WriteHeader(int)     {}
func (w *streamWriter) Flush()              {}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestSSEClientWritesNumberedFrames(t *testing.T) {
	w := newStreamWriter()
	client := NewSSEClient(w, "alert", discardLogger())

	if err := client.Send([]byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Send([]byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Stream(ctx, 10*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for body := w.String(); !strings.Contains(body, ": ping\n\n") || !strings.Contains(body, "id: 2\n"); body = w.String() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frames, got %q", w.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	body := w.String()
	first := strings.Index(body, "id: 1\nevent: alert\ndata: {\"id\":\"a\"}\n\n")
	second := strings.Index(body, "id: 2\nevent: alert\ndata: {\"id\":\"b\"}\n\n")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected frames 1 and 2 in order, got %q", body)
	}
	if err := client.Send([]byte("x")); err != io.EOF {
		t.Fatalf("expected EOF after stream ended, got %v", err)
	}
}

func TestSSEClientSendNeverBlocks(t *testing.T) {
	client := NewSSEClient(newStreamWriter(), "alert", discardLogger())
	for i := 0; i < clientBuffer; i++ {
		if err := client.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := client.Send([]byte("x")); !errors.Is(err, ErrSlowClient) {
		t.Fatalf("expected ErrSlowClient on full buffer, got %v", err)
	}
}

func TestStalledSSEPeerDoesNotBlockHub(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	w := newStreamWriter()
	w.gate = make(chan struct{})
	defer close(w.gate)
	stalled := NewSSEClient(w, "alert", discardLogger())
	go func() { _ = stalled.Stream(context.Background(), time.Hour) }()
	hub.Register(TopicAlerts, stalled)

	// the first frame parks the stream goroutine in Write; the rest fill
	// its queue until the hub drops it
	for i := 0; i < clientBuffer+4; i++ {
		hub.Broadcast(TopicAlerts, []byte(`{"type":"alert.triggered"}`))
	}

	other := newRecordingSubscriber()
	finished := make(chan struct{})
	go func() {
		hub.Register(TopicAlerts, other)
		hub.Unregister(TopicAlerts, other)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("register/unregister blocked behind a stalled stream")
	}

	select {
	case <-stalled.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stalled stream to be dropped")
	}
}
