package models

import "time"

// ViewKind is the content currently occupying the shared viewport.
type ViewKind string

const (
	ViewIdle    ViewKind = "idle"
	ViewLoading ViewKind = "loading"
	ViewImage   ViewKind = "image"
	ViewList    ViewKind = "list"
	ViewLive    ViewKind = "live"
)

// ListKind distinguishes the structured lists the viewport can show.
type ListKind string

const (
	ListNone    ListKind = ""
	ListApps    ListKind = "apps"
	ListBrowser ListKind = "browser"
)

// Mode is a viewport mode. List is only meaningful when Kind is ViewList.
type Mode struct {
	Kind ViewKind `json:"kind"`
	List ListKind `json:"list,omitempty"`
}

var (
	ModeIdle        = Mode{Kind: ViewIdle}
	ModeLoading     = Mode{Kind: ViewLoading}
	ModeImage       = Mode{Kind: ViewImage}
	ModeAppsList    = Mode{Kind: ViewList, List: ListApps}
	ModeBrowserList = Mode{Kind: ViewList, List: ListBrowser}
	ModeLive        = Mode{Kind: ViewLive}
)

func (m Mode) String() string {
	if m.Kind == ViewList && m.List != ListNone {
		return string(m.Kind) + "(" + string(m.List) + ")"
	}
	return string(m.Kind)
}

// Payload is the content a mode is rendered from. Which fields apply
// depends on the mode being set.
type Payload struct {
	Title   string           `json:"title,omitempty"`
	Notice  string           `json:"notice,omitempty"`
	Image   string           `json:"image,omitempty"`
	Apps    []AppInfo        `json:"apps,omitempty"`
	Browser *BrowserSnapshot `json:"browser,omitempty"`
	Target  string           `json:"target,omitempty"`
}

// View is a rendered snapshot of the viewport.
type View struct {
	Mode      Mode             `json:"mode"`
	Title     string           `json:"title"`
	Notice    string           `json:"notice,omitempty"`
	Image     string           `json:"image,omitempty"`
	Apps      []AppInfo        `json:"apps,omitempty"`
	Browser   *BrowserSnapshot `json:"browser,omitempty"`
	Target    string           `json:"target,omitempty"`
	Seq       uint64           `json:"seq"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Viewport titles shown to the operator.
const (
	TitleIdle       = "Live Feed"
	TitleScreenshot = "Remote Screen Capture"
	TitleApps       = "Active Applications"
	TitleBrowser    = "Browser Activity Monitoring"
	TitleLive       = "LIVE STREAMING (P2P)"
	TitleConnecting = "Connecting to Live Stream..."
)

// PendingTitle is the loading title shown while a command is outstanding.
func PendingTitle(t CommandType) string {
	switch t {
	case CommandCaptureScreenshot:
		return "Requesting Screenshot..."
	case CommandListApps:
		return "Fetching Running Apps..."
	case CommandGetBrowserStatus:
		return "Checking Browser Activity..."
	case CommandStartLive:
		return TitleConnecting
	}
	return "Processing..."
}
