package models

import (
	"fmt"
	"strings"
	"time"
)

// CommandType is a remote command the admin console can issue to a monitored device.
type CommandType string

const (
	CommandCaptureScreenshot CommandType = "CAPTURE_SCREENSHOT"
	CommandListApps          CommandType = "LIST_APPS"
	CommandGetBrowserStatus  CommandType = "GET_BROWSER_STATUS"
	CommandStartLive         CommandType = "START_LIVE"
	CommandStopLive          CommandType = "STOP_LIVE"
	CommandNotify            CommandType = "NOTIFY"
)

// WireName is the command name the backend expects in send-command requests.
func (t CommandType) WireName() string {
	switch t {
	case CommandCaptureScreenshot:
		return "TAKE_SCREENSHOT"
	case CommandListApps:
		return "GET_RUNNING_APPS"
	case CommandGetBrowserStatus:
		return "GET_BROWSER_STATUS"
	case CommandStartLive:
		return "START_LIVE_STREAM"
	case CommandStopLive:
		return "STOP_LIVE_STREAM"
	case CommandNotify:
		return "NOTIFICATION"
	default:
		return string(t)
	}
}

// Polled reports whether the command produces an artifact the poller waits for.
func (t CommandType) Polled() bool {
	switch t {
	case CommandCaptureScreenshot, CommandListApps, CommandGetBrowserStatus:
		return true
	}
	return false
}

// ParseCommandType accepts either the canonical name, the wire name or a
// short alias (screenshot, apps, browser).
func ParseCommandType(s string) (CommandType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CAPTURE_SCREENSHOT", "TAKE_SCREENSHOT", "SCREENSHOT":
		return CommandCaptureScreenshot, nil
	case "LIST_APPS", "GET_RUNNING_APPS", "APPS":
		return CommandListApps, nil
	case "GET_BROWSER_STATUS", "BROWSER":
		return CommandGetBrowserStatus, nil
	case "START_LIVE", "START_LIVE_STREAM":
		return CommandStartLive, nil
	case "STOP_LIVE", "STOP_LIVE_STREAM":
		return CommandStopLive, nil
	case "NOTIFY", "NOTIFICATION":
		return CommandNotify, nil
	}
	return "", fmt.Errorf("unknown command type %q", s)
}

// CommandStatus is the lifecycle status of an issued command.
type CommandStatus string

const (
	StatusPending  CommandStatus = "PENDING"
	StatusExecuted CommandStatus = "EXECUTED"
	StatusFailed   CommandStatus = "FAILED"
	// StatusTimedOut is declared locally by the poller, never by the backend.
	StatusTimedOut CommandStatus = "TIMED_OUT"
	StatusUnknown  CommandStatus = ""
)

func (s CommandStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusTimedOut
}

// Command is a command issued by the console and observed through polling.
type Command struct {
	ID       string        `json:"id"`
	Type     CommandType   `json:"type"`
	Target   string        `json:"target"`
	IssuedAt time.Time     `json:"issued_at"`
	Status   CommandStatus `json:"status"`
}

// CommandRecord is one row of the backend's command history.
type CommandRecord struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Status    CommandStatus `json:"status"`
	CreatedAt string        `json:"created_at,omitempty"`
}

// CommandRequest is the body of a send-command call.
type CommandRequest struct {
	UserID  string `json:"user_id"`
	Command string `json:"command"`
}

// CommandResponse is the backend's reply to a send-command call.
type CommandResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"command_id"`
}

// NotifyRequest asks the backend to show a notification on the device.
type NotifyRequest struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}
