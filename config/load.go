package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. CONSOLE_AUTH_PASSWORD.
const EnvPrefix = "CONSOLE"

// Load reads configuration from path. If path is empty, DefaultConfigPath
// is used. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a loaded configuration.
func Validate(cfg Config) error {
	parsed, err := url.Parse(strings.TrimSpace(cfg.API.BaseURL))
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an http(s) URL with a host (e.g. http://localhost:8000/api/v1)")
	}
	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if cfg.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be positive")
	}
	if cfg.Live.NegotiationTimeout <= 0 {
		return fmt.Errorf("live.negotiation_timeout must be positive")
	}
	for i, server := range cfg.Live.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("live.ice_servers[%d] has no urls", i)
		}
		if server.Username != "" || server.Credential != "" {
			return fmt.Errorf("live.ice_servers[%d] carries credentials; relay credentials are issued per session by the backend", i)
		}
	}
	if cfg.Live.Reconnect.Enabled && cfg.Live.Reconnect.Delay <= 0 {
		return fmt.Errorf("live.reconnect.delay must be positive when reconnect is enabled")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.API.BaseURL = expandEnv(cfg.API.BaseURL)
	cfg.Auth.Email = expandEnv(cfg.Auth.Email)
	cfg.Auth.Password = expandEnv(cfg.Auth.Password)
	cfg.Auth.Token = expandEnv(cfg.Auth.Token)
	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Log.Dir = expandEnv(cfg.Log.Dir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// ErrConfigExists is returned by WriteDefault when it would overwrite a file.
var ErrConfigExists = errors.New("config already exists")

// WriteDefault writes the default config to path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%w at %s", ErrConfigExists, path)
		}
	}

	data, err := yaml.Marshal(nest(defaults()))
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// nest turns dotted keys into nested maps for YAML output.
func nest(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]any{}
	for _, key := range keys {
		parts := strings.Split(key, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = flat[key]
	}
	return out
}
