package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventListenerForwardsReplies(t *testing.T) {
	tokens := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/events" {
			http.NotFound(w, r)
			return
		}
		tokens <- r.URL.Query().Get("token")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range []string{
			`{"type":"HEARTBEAT"}`,
			`garbage`,
			`{"type":"NOTIFICATION_REPLY","user_name":"Jane Doe","message":"On my way"}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(20 * time.Millisecond)
	}))
	defer srv.Close()

	sink := &recordingLog{}
	l := NewEventListener(srv.URL, func() string { return "admin-tok" }, sink, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tok := <-tokens; tok != "admin-tok" {
		t.Fatalf("token = %q", tok)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.toasts) != 1 {
		t.Fatalf("toasts = %+v", sink.toasts)
	}
	if got := sink.toasts[0]; got.Title != "Reply from Jane Doe" || got.Body != "On my way" {
		t.Fatalf("toast = %+v", got)
	}
}

func TestEventListenerReconnects(t *testing.T) {
	hits := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hits <- struct{}{}:
		default:
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	l := NewEventListener(srv.URL, func() string { return "tok" }, &recordingLog{}, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d not attempted", i+1)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestEventListenerWaitsForToken(t *testing.T) {
	l := NewEventListener("http://127.0.0.1:1", func() string { return "" }, &recordingLog{}, 0, nil)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEventsURL(t *testing.T) {
	l := NewEventListener("https://api.example.com/", func() string { return "a b" }, &recordingLog{}, 0, nil)
	got, err := l.EventsURL()
	if err != nil {
		t.Fatalf("EventsURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Scheme != "wss" || u.Path != "/ws/events" || u.Query().Get("token") != "a b" {
		t.Fatalf("url = %s", got)
	}
}
