package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"monitorconsole/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/v1", time.Second, nil)
}

func TestSendCommandUsesWireNameAndToken(t *testing.T) {
	var gotAuth string
	var gotBody models.CommandRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/admin/command/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"command_id":"c1"}`))
	})
	client.SetToken("tok")

	id, err := client.SendCommand(context.Background(), "u1", models.CommandCaptureScreenshot)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if id != "c1" {
		t.Errorf("command id = %q, want c1", id)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.UserID != "u1" || gotBody.Command != "TAKE_SCREENSHOT" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestUnauthorizedDropsTokenAndRunsHook(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client.SetToken("expired")
	hooked := 0
	client.OnUnauthorized(func() { hooked++ })

	_, err := client.Users(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if client.Token() != "" {
		t.Errorf("token should be cleared after 401")
	}
	if hooked != 1 {
		t.Errorf("hook ran %d times, want 1", hooked)
	}
}

func TestRequestFailedCarriesDetail(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"string detail", "application/json", `{"detail":"User offline"}`, "User offline"},
		{"object detail", "application/json", `{"detail":{"code":7}}`, `{"code":7}`},
		{"plain text", "text/plain", "Internal Server Error", "Internal Server Error"},
		{"empty", "text/plain", "", "Request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(tt.body))
			})
			err := client.StartLiveSession(context.Background(), "u2")
			var rf *RequestFailedError
			if !errors.As(err, &rf) {
				t.Fatalf("expected RequestFailedError, got %v", err)
			}
			if rf.Status != http.StatusBadRequest || rf.Reason != tt.want {
				t.Errorf("got status=%d reason=%q, want reason %q", rf.Status, rf.Reason, tt.want)
			}
		})
	}
}

func TestTransportFailureIsRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	client := NewClient(base, time.Second, nil)
	err := client.Ping(context.Background())
	var rf *RequestFailedError
	if !errors.As(err, &rf) {
		t.Fatalf("expected RequestFailedError, got %v", err)
	}
	if rf.Status != 0 {
		t.Errorf("transport failure should carry no status, got %d", rf.Status)
	}
}

func TestCommandStatusFromHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/admin/commands" || r.URL.Query().Get("user_id") != "u1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"c0","command":"TAKE_SCREENSHOT","status":"FAILED"},{"id":"c1","command":"TAKE_SCREENSHOT","status":"EXECUTED"}]`))
	})

	status, err := client.CommandStatus(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("CommandStatus: %v", err)
	}
	if status != models.StatusExecuted {
		t.Errorf("status = %q", status)
	}
	status, err = client.CommandStatus(context.Background(), "u1", "missing")
	if err != nil || status != models.StatusUnknown {
		t.Errorf("missing command: status=%q err=%v", status, err)
	}
}

func TestLoginStoresToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["device_id"] != AdminDeviceID {
			t.Errorf("device_id = %q", body["device_id"])
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login must not send a bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","user":{"name":"Root"}}`))
	})
	client.SetToken("stale")

	sess, err := client.Login(context.Background(), "a@b.c", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AdminName != "Root" || client.Token() != "fresh" {
		t.Errorf("session = %+v token=%q", sess, client.Token())
	}
}

func TestICEServers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ice_servers":[{"urls":"turn:relay.example:3478","username":"1700:u2","credential":"x"}]}`))
	})
	servers, err := client.ICEServers(context.Background(), "u2")
	if err != nil {
		t.Fatalf("ICEServers: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "turn:relay.example:3478" || servers[0].Username != "1700:u2" {
		t.Errorf("servers = %+v", servers)
	}
}
