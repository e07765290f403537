package models

// Hub message types pushed to local UI clients.
const (
	HubViewport = "viewport"
	HubLog      = "log"
	HubToast    = "toast"
	HubLive     = "live_state"
	HubLogClear = "log_clear"
)

// HubMessage is a JSON frame sent over the local UI websocket.
type HubMessage struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Data   any    `json:"data,omitempty"`
}
