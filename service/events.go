package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

// Admin event types pushed by the backend.
const eventNotificationReply = "NOTIFICATION_REPLY"

type adminEvent struct {
	Type     string `json:"type"`
	UserName string `json:"user_name"`
	Message  string `json:"message"`
}

// EventListener receives admin events (employee replies to notifications)
// and forwards them to the log sink.
type EventListener struct {
	baseURL   string
	token     func() string
	sink      LogSink
	logger    pslog.Logger
	reconnect time.Duration
	dialer    websocket.Dialer
}

// NewEventListener creates a listener. A reconnect delay of zero disables
// reconnecting: Run returns after the first disconnect.
func NewEventListener(baseURL string, token func() string, sink LogSink, reconnect time.Duration, logger pslog.Logger) *EventListener {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &EventListener{
		baseURL:   baseURL,
		token:     token,
		sink:      sink,
		logger:    logger.With("component", "events"),
		reconnect: reconnect,
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// EventsURL returns the admin events endpoint carrying the current token.
func (l *EventListener) EventsURL() (string, error) {
	base, err := wsURL(l.baseURL, "/ws/events")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("token", l.token())
	return base + "?" + q.Encode(), nil
}

// Run listens until ctx is done.
func (l *EventListener) Run(ctx context.Context) error {
	for {
		if l.token() == "" {
			l.logger.Debug("no admin token, events listener waiting")
		} else if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("admin events connection lost", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if l.reconnect <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnect):
		}
	}
}

func (l *EventListener) listen(ctx context.Context) error {
	endpoint, err := l.EventsURL()
	if err != nil {
		return err
	}
	conn, _, err := l.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial admin events: %w", err)
	}
	defer conn.Close()
	l.logger.Info("admin events connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev adminEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Debug("ignoring undecodable admin event", "err", err)
			continue
		}
		switch ev.Type {
		case eventNotificationReply:
			l.sink.Notify(fmt.Sprintf("Reply from %s", ev.UserName), ev.Message)
		default:
			l.logger.Debug("ignoring admin event", "type", ev.Type)
		}
	}
}
