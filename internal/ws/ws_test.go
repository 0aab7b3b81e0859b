package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastIsNonBlocking(t *testing.T) {
	t.Parallel()

	h := NewHub()
	slow := h.Subscribe()
	fast := h.Subscribe()
	if h.Clients() != 2 {
		t.Fatalf("clients = %d", h.Clients())
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Broadcast([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	if len(slow) != subscriberBuffer || len(fast) != subscriberBuffer {
		t.Errorf("buffered = %d/%d, want %d", len(slow), len(fast), subscriberBuffer)
	}

	h.Unsubscribe(slow)
	h.Unsubscribe(slow)
	if h.Clients() != 1 {
		t.Errorf("clients after unsubscribe = %d", h.Clients())
	}
}

func TestHubPublish(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)
	h.Publish(map[string]string{"type": "status"})
	if got := string(<-ch); got != `{"type":"status"}` {
		t.Errorf("published %s", got)
	}
}

type fakeControl struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeControl) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeControl) StartAnalysis(context.Context) error { f.record("start"); return nil }
func (f *fakeControl) Pause() error                        { f.record("pause"); return nil }
func (f *fakeControl) Resume() error                       { f.record("resume"); return nil }
func (f *fakeControl) Stop()                               { f.record("stop") }

func TestDashboardSocket(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ctrl := &fakeControl{}
	srv := httptest.NewServer(NewHandler(HandlerConfig{
		Hub:     hub,
		Control: ctrl,
		Initial: func() any { return map[string]string{"type": "snapshot"} },
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() map[string]any {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err = json.Unmarshal(data, &m); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return m
	}

	if m := read(); m["type"] != "snapshot" {
		t.Fatalf("first message = %v", m)
	}

	for hub.Clients() == 0 {
		time.Sleep(time.Millisecond)
	}
	hub.Publish(map[string]string{"type": "sample"})
	if m := read(); m["type"] != "sample" {
		t.Errorf("broadcast = %v", m)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pause"}`))
	if m := read(); m["type"] != "ack" || m["command"] != "pause" {
		t.Errorf("ack = %v", m)
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"rewind"}`))
	if m := read(); m["type"] != "error" {
		t.Errorf("unknown command reply = %v", m)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "pause" {
		t.Errorf("controller calls = %v", ctrl.calls)
	}
}

func TestHandlerAtCapacity(t *testing.T) {
	t.Parallel()

	h := NewHandler(HandlerConfig{Hub: NewHub(), MaxConcurrent: 1})
	h.sem <- struct{}{}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/dashboard", nil))
	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
