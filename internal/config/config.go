// Package config implements TOML configuration loading for ankisyncd with
// environment-variable overrides. Every key can be overridden by exporting
// ANKISYNCD_<UPPERCASE_KEY>, e.g. ANKISYNCD_DATA_ROOT, matching the
// behavior users of the original server expect.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvConfig overrides the config file path.
const EnvConfig = "ANKISYNCD_CONFIG"

// envPrefix is prepended to the uppercase key name for per-key overrides.
const envPrefix = "ANKISYNCD_"

// Config is the full server configuration. The zero value is unusable; start
// from Default() and layer file and environment values on top.
type Config struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	BaseURL        string `toml:"base_url"`
	BaseMediaURL   string `toml:"base_media_url"`
	DataRoot       string `toml:"data_root"`
	AuthDBPath     string `toml:"auth_db_path"`
	SessionDBPath  string `toml:"session_db_path"`
	SessionManager string `toml:"session_manager"` // "memory" or "sqlite"
	LogLevel       string `toml:"log_level"`       // debug, info, warn, error
	LogFormat      string `toml:"log_format"`      // text or json
}

// Default returns the built-in defaults, matching the original server's
// shipped configuration.
func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           27701,
		BaseURL:        "/sync/",
		BaseMediaURL:   "/msync/",
		DataRoot:       "./collections",
		AuthDBPath:     "./auth.db",
		SessionDBPath:  "./session.db",
		SessionManager: "sqlite",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// candidatePaths returns the config file locations to try, in order.
func candidatePaths() []string {
	paths := []string{"/etc/ankisyncd/ankisyncd.toml"}

	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		if home, err := os.UserHomeDir(); err == nil {
			xdg = filepath.Join(home, ".config")
		}
	}

	if xdg != "" {
		paths = append(paths, filepath.Join(xdg, "ankisyncd", "ankisyncd.toml"))
	}

	return paths
}

// Load resolves the effective configuration: defaults, then the config file
// (explicit path, $ANKISYNCD_CONFIG, or the first candidate that exists),
// then environment overrides. A missing config file is not an error — the
// defaults plus environment are a complete configuration.
func Load(explicitPath string) (Config, error) {
	cfg := Default()

	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	if path == "" {
		for _, p := range candidatePaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg.BaseURL = ensureTrailingSlash(cfg.BaseURL)
	cfg.BaseMediaURL = ensureTrailingSlash(cfg.BaseMediaURL)

	return cfg, nil
}

// applyEnv overrides individual keys from ANKISYNCD_* variables.
func applyEnv(cfg *Config) error {
	fields := map[string]*string{
		"HOST":            &cfg.Host,
		"BASE_URL":        &cfg.BaseURL,
		"BASE_MEDIA_URL":  &cfg.BaseMediaURL,
		"DATA_ROOT":       &cfg.DataRoot,
		"AUTH_DB_PATH":    &cfg.AuthDBPath,
		"SESSION_DB_PATH": &cfg.SessionDBPath,
		"SESSION_MANAGER": &cfg.SessionManager,
		"LOG_LEVEL":       &cfg.LogLevel,
		"LOG_FORMAT":      &cfg.LogFormat,
	}

	for key, dest := range fields {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dest = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sPORT: %w", envPrefix, err)
		}

		cfg.Port = port
	}

	return nil
}

// Validate checks the values that would otherwise fail deep inside the
// server at an awkward time.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}

	if c.SessionManager != "memory" && c.SessionManager != "sqlite" {
		return fmt.Errorf("config: unknown session_manager %q", c.SessionManager)
	}

	if !strings.HasPrefix(c.BaseURL, "/") || !strings.HasPrefix(c.BaseMediaURL, "/") {
		return fmt.Errorf("config: base_url and base_media_url must start with /")
	}

	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func ensureTrailingSlash(s string) string {
	if !strings.HasSuffix(s, "/") {
		return s + "/"
	}

	return s
}
