package config

import (
	"time"
)

// CurrentConfigVersion is the config schema version this build understands.
const CurrentConfigVersion = 1

// DefaultConfigPath is read when no --config flag is given. A missing file
// means built-in defaults.
const DefaultConfigPath = "console.yaml"

// Config is the console configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	API           APIConfig       `mapstructure:"api" yaml:"api"`
	Auth          AuthConfig      `mapstructure:"auth" yaml:"auth"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Poller        PollerConfig    `mapstructure:"poller" yaml:"poller"`
	Live          LiveConfig      `mapstructure:"live" yaml:"live"`
	Events        EventsConfig    `mapstructure:"events" yaml:"events"`
	Dashboard     DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Database      DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Log           LogConfig       `mapstructure:"log" yaml:"log"`
}

// APIConfig addresses the monitoring backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AuthConfig holds admin credentials. Token wins over email/password.
type AuthConfig struct {
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"password"`
	Token    string `mapstructure:"token" yaml:"token"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// PollerConfig bounds command result polling.
type PollerConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ProgressLogEvery int           `mapstructure:"progress_log_every" yaml:"progress_log_every"`
	ErrorLogEvery    int           `mapstructure:"error_log_every" yaml:"error_log_every"`
}

// LiveConfig drives live session negotiation.
type LiveConfig struct {
	DialTimeout        time.Duration     `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	NegotiationTimeout time.Duration     `mapstructure:"negotiation_timeout" yaml:"negotiation_timeout"`
	ICEServers         []ICEServerConfig `mapstructure:"ice_servers" yaml:"ice_servers"`
	FetchICEServers    bool              `mapstructure:"fetch_ice_servers" yaml:"fetch_ice_servers"`
	Reconnect          ReconnectConfig   `mapstructure:"reconnect" yaml:"reconnect"`
}

// ICEServerConfig is a credential-free fallback server. Relay credentials
// are only ever taken from the backend.
type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls" yaml:"urls"`
	Username   string   `mapstructure:"username" yaml:"username,omitempty"`
	Credential string   `mapstructure:"credential" yaml:"credential,omitempty"`
}

type ReconnectConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Delay   time.Duration `mapstructure:"delay" yaml:"delay"`
}

// EventsConfig controls the admin events listener.
type EventsConfig struct {
	Enabled   bool            `mapstructure:"enabled" yaml:"enabled"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
}

type DashboardConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// defaults is the flat key space every setting lives in. Durations are kept
// as strings so the written default file stays readable.
func defaults() map[string]any {
	return map[string]any{
		"config_version":             CurrentConfigVersion,
		"api.base_url":               "http://localhost:8000/api/v1",
		"api.timeout":                "10s",
		"auth.email":                 "",
		"auth.password":              "",
		"auth.token":                 "",
		"http.addr":                  ":8080",
		"poller.interval":            "2s",
		"poller.max_attempts":        15,
		"poller.progress_log_every":  3,
		"poller.error_log_every":     5,
		"live.dial_timeout":          "10s",
		"live.negotiation_timeout":   "30s",
		"live.ice_servers":           []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}},
		"live.fetch_ice_servers":     true,
		"live.reconnect.enabled":     false,
		"live.reconnect.delay":       "5s",
		"events.enabled":             true,
		"events.reconnect.enabled":   true,
		"events.reconnect.delay":     "5s",
		"dashboard.refresh_interval": "10s",
		"database.path":              "./data/console.db",
		"log.dir":                    "log",
	}
}
