package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 16)}
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("boom")
	}
	s.payloads = append(s.payloads, payload)
	s.got <- struct{}{}
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestHubBroadcastsByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	alerts := newRecordingSubscriber()
	other := newRecordingSubscriber()
	hub.Register(TopicAlerts, alerts)
	hub.Register("other", other)

	if !hub.Broadcast(TopicAlerts, []byte(`{"id":"a1"}`)) {
		t.Fatal("expected broadcast to be queued")
	}
	select {
	case <-alerts.got:
	case <-time.After(time.Second):
		t.Fatal("expected alert subscriber to receive payload")
	}
	select {
	case <-other.got:
		t.Fatal("subscriber of another topic must not receive payload")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := newRecordingSubscriber()
	bad.fail = true
	hub.Register(TopicAlerts, bad)
	hub.Broadcast(TopicAlerts, []byte("x"))

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers(TopicAlerts) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected failing subscriber to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !bad.isClosed() {
		t.Fatal("expected failing subscriber to be closed")
	}
}

func TestHubCloseRejectsBroadcast(t *testing.T) {
	hub := NewHub()
	hub.Close()
	if hub.Broadcast(TopicAlerts, []byte("x")) {
		t.Fatal("expected broadcast after close to be dropped")
	}
}
