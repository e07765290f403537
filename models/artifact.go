package models

import (
	"encoding/json"
	"fmt"
)

// Screenshot is the artifact behind a screenshot command or the latest stored capture.
type Screenshot struct {
	URL       string `json:"url"`
	ImageData string `json:"image_data,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	IsAuto    bool   `json:"is_auto,omitempty"`
}

// AppInfo is one running application reported by the device.
type AppInfo struct {
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Duration string `json:"duration,omitempty"`
	IsActive bool   `json:"is_active,omitempty"`
}

// AppsSnapshot is the artifact behind a LIST_APPS command.
type AppsSnapshot struct {
	Apps      []AppInfo `json:"apps"`
	CreatedAt string    `json:"created_at,omitempty"`
}

// ActiveApp returns the foreground application, falling back to the first one.
func (s AppsSnapshot) ActiveApp() (AppInfo, bool) {
	if len(s.Apps) == 0 {
		return AppInfo{}, false
	}
	for _, app := range s.Apps {
		if app.IsActive {
			return app, true
		}
	}
	return s.Apps[0], true
}

// BrowserTab is one open tab inside a browser session.
type BrowserTab struct {
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Icon     string `json:"icon,omitempty"`
	IsActive bool   `json:"is_active,omitempty"`
}

// BrowserDetails groups open tabs per browser name.
type BrowserDetails struct {
	Sessions map[string][]BrowserTab `json:"sessions"`
	IconMeta map[string]string       `json:"icon_meta,omitempty"`
	Meta     struct {
		Method string `json:"method,omitempty"`
	} `json:"meta"`
}

// BrowserSnapshot is the artifact behind a GET_BROWSER_STATUS command.
type BrowserSnapshot struct {
	Browser     string          `json:"browser"`
	YoutubeOpen bool            `json:"youtube_open"`
	RawDetails  json.RawMessage `json:"details,omitempty"`
	Details     *BrowserDetails `json:"-"`
}

// DecodeDetails resolves the details field, which the backend sends either as
// an object or as a JSON-encoded string.
func (s *BrowserSnapshot) DecodeDetails() error {
	raw := s.RawDetails
	if len(raw) == 0 || string(raw) == "null" {
		s.Details = nil
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("browser details: %w", err)
		}
		if inner == "" {
			s.Details = nil
			return nil
		}
		raw = json.RawMessage(inner)
	}
	var details BrowserDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		return fmt.Errorf("browser details: %w", err)
	}
	delete(details.Sessions, "icon_meta")
	s.Details = &details
	return nil
}

// TabCount is the number of open tabs across every browser.
func (s BrowserSnapshot) TabCount() int {
	if s.Details == nil {
		return 0
	}
	n := 0
	for _, tabs := range s.Details.Sessions {
		n += len(tabs)
	}
	return n
}

// ScreenshotCount is today's screenshot counter for a device.
type ScreenshotCount struct {
	Count int `json:"count"`
}

// User is a monitored employee as listed by the backend.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// OnlineUser is an entry of the online-users listing.
type OnlineUser struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Employee is a user annotated with presence for the operator list.
type Employee struct {
	User
	Online bool `json:"online"`
}

// ICEServer is a relay/reflection server descriptor issued by the backend.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// UnmarshalJSON accepts urls as either a string or a list.
func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 {
		return nil
	}
	if raw.URLs[0] == '"' {
		var one string
		if err := json.Unmarshal(raw.URLs, &one); err != nil {
			return err
		}
		s.URLs = []string{one}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

// TargetStats is bookkeeping the console keeps about the selected device.
type TargetStats struct {
	Target          string `json:"target"`
	ScreenshotCount int    `json:"screenshot_count"`
	ActiveApp       string `json:"active_app,omitempty"`
}
