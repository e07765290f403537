package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"monitorconsole/models"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// Broadcaster is implemented by the UI hub. Declared here to avoid an import cycle.
type Broadcaster interface {
	BroadcastToTarget(target string, message interface{})
	BroadcastToAll(message interface{})
}

// LogSink is the operator-visible event log and notification surface.
type LogSink interface {
	Log(message string, level models.LogLevel)
	Notify(title, body string)
	Alert(message string)
}

// maxLogEntries bounds the in-memory view of the log.
const maxLogEntries = 200

// EventLog is the operator log. Entries are kept in memory for display,
// appended to sqlite when a database is configured, mirrored to the process
// logger and pushed to UI clients.
type EventLog struct {
	db     *sql.DB
	hub    Broadcaster
	logger pslog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []models.LogEntry // oldest first
}

// NewEventLog creates the log. db and hub may be nil.
func NewEventLog(db *sql.DB, hub Broadcaster, logger pslog.Logger) *EventLog {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &EventLog{
		db:     db,
		hub:    hub,
		logger: logger.With("component", "eventlog"),
		now:    time.Now,
	}
}

// Log appends an entry.
func (l *EventLog) Log(message string, level models.LogLevel) {
	entry := models.LogEntry{
		ID:      uuid.NewString(),
		Message: message,
		Level:   models.ParseLogLevel(string(level)),
		Time:    l.now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > maxLogEntries {
		l.entries = append([]models.LogEntry(nil), l.entries[len(l.entries)-maxLogEntries:]...)
	}
	l.mu.Unlock()

	switch entry.Level {
	case models.LevelError:
		l.logger.Error(message, "level", string(entry.Level))
	case models.LevelWarning:
		l.logger.Warn(message, "level", string(entry.Level))
	default:
		l.logger.Info(message, "level", string(entry.Level))
	}

	if l.db != nil {
		if _, err := l.db.Exec(
			`INSERT INTO log_entries (id, message, level, created_at) VALUES (?, ?, ?, ?)`,
			entry.ID, entry.Message, string(entry.Level), entry.Time.UnixMilli(),
		); err != nil {
			l.logger.Warn("failed to persist log entry", "err", err)
		}
	}

	if l.hub != nil {
		l.hub.BroadcastToAll(models.HubMessage{Type: models.HubLog, Data: entry})
	}
}

// Notify shows a transient toast and records it.
func (l *EventLog) Notify(title, body string) {
	l.toast(models.Toast{Title: title, Body: body, Time: l.now()})
	l.Log(fmt.Sprintf("%s: %s", title, body), models.LevelSuccess)
}

// Alert raises a blocking notice the operator has to acknowledge.
func (l *EventLog) Alert(message string) {
	l.toast(models.Toast{Title: "Alert", Body: message, Alert: true, Time: l.now()})
	l.Log(message, models.LevelWarning)
}

func (l *EventLog) toast(t models.Toast) {
	if l.hub != nil {
		l.hub.BroadcastToAll(models.HubMessage{Type: models.HubToast, Data: t})
	}
}

// Recent returns up to limit entries, most recent first.
func (l *EventLog) Recent(limit int) []models.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]models.LogEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Clear empties the displayed log. Persisted history is kept.
func (l *EventLog) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()

	if l.hub != nil {
		l.hub.BroadcastToAll(models.HubMessage{Type: models.HubLogClear})
	}
}

// History reads persisted entries, most recent first.
func (l *EventLog) History(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if l.db == nil {
		return l.Recent(limit), nil
	}
	if limit <= 0 {
		limit = maxLogEntries
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, message, level, created_at FROM log_entries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query log history: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var (
			entry models.LogEntry
			level string
			ms    int64
		)
		if err := rows.Scan(&entry.ID, &entry.Message, &level, &ms); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry.Level = models.ParseLogLevel(level)
		entry.Time = time.UnixMilli(ms)
		out = append(out, entry)
	}
	return out, rows.Err()
}
