package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"monitorconsole/models"

	"github.com/gorilla/websocket"
)

// SignalingChannel is a duplex negotiation channel to one target.
// Send is safe for concurrent use; Receive must be called from one goroutine.
type SignalingChannel interface {
	Send(msg models.SignalMessage) error
	Receive() (models.SignalMessage, error)
	Close() error
}

// SignalingDialer opens signaling channels addressed by target.
type SignalingDialer interface {
	Dial(ctx context.Context, target string) (SignalingChannel, error)
}

const (
	signalWriteTimeout = 10 * time.Second
	signalCloseTimeout = time.Second
	signalReadLimit    = 1 << 20
)

// ErrChannelClosed is returned by Receive after a normal closure.
var ErrChannelClosed = errors.New("signaling channel closed")

// WSDialer dials the backend's viewer signaling endpoint over websocket.
type WSDialer struct {
	baseURL          string
	token            func() string
	handshakeTimeout time.Duration
}

// NewWSDialer derives the signaling endpoint from the HTTP API base URL.
// token is read on every dial so a fresh login is picked up.
func NewWSDialer(baseURL string, token func() string, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WSDialer{baseURL: baseURL, token: token, handshakeTimeout: handshakeTimeout}
}

// SignalingURL returns the viewer endpoint for target.
func (d *WSDialer) SignalingURL(target string) (string, error) {
	base, err := wsURL(d.baseURL, "/ws/ws")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("role", "viewer")
	q.Set("room_id", target)
	if d.token != nil {
		q.Set("token", d.token())
	}
	return base + "?" + q.Encode(), nil
}

func (d *WSDialer) Dial(ctx context.Context, target string) (SignalingChannel, error) {
	endpoint, err := d.SignalingURL(target)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling handshake failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signaling dial: %w", err)
	}
	conn.SetReadLimit(signalReadLimit)
	return &wsChannel{conn: conn}, nil
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsChannel) Send(msg models.SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsChannel) Receive() (models.SignalMessage, error) {
	for {
		var msg models.SignalMessage
		err := c.conn.ReadJSON(&msg)
		if err == nil {
			return msg, nil
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return models.SignalMessage{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		if isDecodeError(err) {
			// A frame that is not a signaling message is skipped.
			continue
		}
		return models.SignalMessage{}, err
	}
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(signalCloseTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "viewer left"), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// wsURL rewrites an http(s) base URL to ws(s) and appends path.
func wsURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}
