package commandapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"monitorconsole/models"

	"pkt.systems/pslog"
)

// AdminDeviceID identifies the console to the backend's login endpoint.
const AdminDeviceID = "ADMIN_CONSOLE"

// ErrUnauthorized is returned when the backend rejects the bearer token.
// The local session has already been invalidated when it is returned.
var ErrUnauthorized = errors.New("unauthorized")

// RequestFailedError is a transport or non-2xx failure of one API call.
type RequestFailedError struct {
	Op     string
	Status int
	Reason string
	Err    error
}

func (e *RequestFailedError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: request failed (%d): %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: request failed: %s", e.Op, e.Reason)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

// Session is what a successful login yields.
type Session struct {
	Token     string `json:"access_token"`
	AdminName string `json:"-"`
}

// API is the backend surface the console consumes. Calls never retry.
type API interface {
	Login(ctx context.Context, email, password string) (Session, error)
	OnlineUsers(ctx context.Context) ([]models.OnlineUser, error)
	Users(ctx context.Context) ([]models.User, error)
	SendCommand(ctx context.Context, target string, cmd models.CommandType) (string, error)
	CommandHistory(ctx context.Context, target string) ([]models.CommandRecord, error)
	CommandStatus(ctx context.Context, target, commandID string) (models.CommandStatus, error)
	Screenshot(ctx context.Context, commandID string) (models.Screenshot, error)
	LatestScreenshot(ctx context.Context, target string) (models.Screenshot, error)
	ScreenshotCount(ctx context.Context, target string) (int, error)
	Apps(ctx context.Context, target string) (models.AppsSnapshot, error)
	Browser(ctx context.Context, target string) (models.BrowserSnapshot, error)
	StartLiveSession(ctx context.Context, target string) error
	StopLiveSession(ctx context.Context, target string) error
	Notify(ctx context.Context, target, title, message string) error
	ICEServers(ctx context.Context, target string) ([]models.ICEServer, error)
	Ping(ctx context.Context) error
	Token() string
	SetToken(token string)
}

// Client talks to the monitoring backend over authenticated HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     pslog.Logger

	mu             sync.RWMutex
	token          string
	onUnauthorized func()
}

// NewClient creates a client rooted at baseURL (e.g. http://host:8000/api/v1).
func NewClient(baseURL string, timeout time.Duration, logger pslog.Logger) *Client {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// OnUnauthorized registers a hook run after a 401 dropped the token.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{
		"email":     email,
		"password":  password,
		"device_id": AdminDeviceID,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		User        *struct {
			Name string `json:"name"`
		} `json:"user"`
	}
	// Login failures are credential errors, not session invalidation.
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", body, &resp, false); err != nil {
		return Session{}, err
	}
	if resp.AccessToken == "" {
		return Session{}, &RequestFailedError{Op: "login", Reason: "no access token in response"}
	}
	sess := Session{Token: resp.AccessToken, AdminName: "Admin"}
	if resp.User != nil && resp.User.Name != "" {
		sess.AdminName = resp.User.Name
	}
	c.SetToken(sess.Token)
	return sess, nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	var resp struct {
		Users []models.OnlineUser `json:"users"`
	}
	if err := c.get(ctx, "online users", "/admin/online-users", &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.get(ctx, "users", "/admin/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) SendCommand(ctx context.Context, target string, cmd models.CommandType) (string, error) {
	req := models.CommandRequest{UserID: target, Command: cmd.WireName()}
	var resp models.CommandResponse
	if err := c.do(ctx, "send command", http.MethodPost, "/admin/command/send", req, &resp, true); err != nil {
		return "", err
	}
	if resp.CommandID == "" {
		return "", &RequestFailedError{Op: "send command", Reason: "no command id in response"}
	}
	return resp.CommandID, nil
}

func (c *Client) CommandHistory(ctx context.Context, target string) ([]models.CommandRecord, error) {
	var records []models.CommandRecord
	path := "/admin/commands?user_id=" + url.QueryEscape(target)
	if err := c.get(ctx, "command history", path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CommandStatus looks the command up in the target's history. A command
// that is not listed yet reports StatusUnknown.
func (c *Client) CommandStatus(ctx context.Context, target, commandID string) (models.CommandStatus, error) {
	records, err := c.CommandHistory(ctx, target)
	if err != nil {
		return models.StatusUnknown, err
	}
	for _, rec := range records {
		if rec.ID == commandID {
			return rec.Status, nil
		}
	}
	return models.StatusUnknown, nil
}

func (c *Client) Screenshot(ctx context.Context, commandID string) (models.Screenshot, error) {
	var shot models.Screenshot
	err := c.get(ctx, "screenshot", "/admin/screenshot/"+url.PathEscape(commandID), &shot)
	return shot, err
}

func (c *Client) LatestScreenshot(ctx context.Context, target string) (models.Screenshot, error) {
	var shot models.Screenshot
	err := c.get(ctx, "latest screenshot", "/admin/screenshot/latest/"+url.PathEscape(target), &shot)
	return shot, err
}

func (c *Client) ScreenshotCount(ctx context.Context, target string) (int, error) {
	var resp models.ScreenshotCount
	if err := c.get(ctx, "screenshot count", "/admin/screenshot-count/"+url.PathEscape(target), &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Apps(ctx context.Context, target string) (models.AppsSnapshot, error) {
	var snap models.AppsSnapshot
	err := c.get(ctx, "apps", "/admin/apps/"+url.PathEscape(target), &snap)
	return snap, err
}

func (c *Client) Browser(ctx context.Context, target string) (models.BrowserSnapshot, error) {
	var snap models.BrowserSnapshot
	err := c.get(ctx, "browser", "/admin/browser/"+url.PathEscape(target), &snap)
	return snap, err
}

func (c *Client) StartLiveSession(ctx context.Context, target string) error {
	req := models.CommandRequest{UserID: target, Command: models.CommandStartLive.WireName()}
	return c.do(ctx, "start live", http.MethodPost, "/admin/live/start", req, nil, true)
}

func (c *Client) StopLiveSession(ctx context.Context, target string) error {
	req := models.CommandRequest{UserID: target, Command: models.CommandStopLive.WireName()}
	return c.do(ctx, "stop live", http.MethodPost, "/admin/live/stop", req, nil, true)
}

func (c *Client) Notify(ctx context.Context, target, title, message string) error {
	req := models.NotifyRequest{UserID: target, Title: title, Message: message}
	return c.do(ctx, "notify", http.MethodPost, "/admin/notify", req, nil, true)
}

// ICEServers fetches per-session relay/reflection servers for a target.
func (c *Client) ICEServers(ctx context.Context, target string) ([]models.ICEServer, error) {
	var resp struct {
		ICEServers []models.ICEServer `json:"ice_servers"`
	}
	path := "/admin/live/ice-servers?user_id=" + url.QueryEscape(target)
	if err := c.get(ctx, "ice servers", path, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/", nil, nil, true)
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out, true)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestFailedError{Op: op, Reason: "encode request", Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &RequestFailedError{Op: op, Reason: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authed {
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestFailedError{Op: op, Reason: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestFailedError{Op: op, Status: resp.StatusCode, Reason: "read body", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized && authed {
		c.invalidate(op)
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestFailedError{Op: op, Status: resp.StatusCode, Reason: errorDetail(resp.Header.Get("Content-Type"), data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &RequestFailedError{Op: op, Status: resp.StatusCode, Reason: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func (c *Client) invalidate(op string) {
	c.mu.Lock()
	c.token = ""
	hook := c.onUnauthorized
	c.mu.Unlock()

	c.logger.Warn("backend rejected credentials, session dropped", "op", op)
	if hook != nil {
		hook()
	}
}

// errorDetail extracts the backend's `detail` field, falling back to raw text.
func errorDetail(contentType string, data []byte) string {
	if strings.Contains(contentType, "application/json") {
		var body struct {
			Detail json.RawMessage `json:"detail"`
		}
		if err := json.Unmarshal(data, &body); err == nil && len(body.Detail) > 0 {
			var s string
			if err := json.Unmarshal(body.Detail, &s); err == nil {
				if s != "" {
					return s
				}
			} else {
				return string(body.Detail)
			}
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return "Request failed"
}
