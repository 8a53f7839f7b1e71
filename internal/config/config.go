package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("1s", "500ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.carechat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	ServerURL      string `toml:"server_url"`
	APIURL         string `toml:"api_url"`
	Token          string `toml:"token,omitempty"`

	TypingIdle           Duration `toml:"typing_idle"`
	TypingMaxAge         Duration `toml:"typing_max_age"`
	MatchWindow          Duration `toml:"match_window"`
	AckTimeout           Duration `toml:"ack_timeout"`
	ReconnectMaxInterval Duration `toml:"reconnect_max_interval"`
	HistoryLimit         int      `toml:"history_limit"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		DefaultProfile:       "main",
		ServerURL:            "ws://localhost:8080/ws",
		APIURL:               "http://localhost:8080/api",
		TypingIdle:           Duration{time.Second},
		TypingMaxAge:         Duration{5 * time.Second},
		MatchWindow:          Duration{30 * time.Second},
		AckTimeout:           Duration{15 * time.Second},
		ReconnectMaxInterval: Duration{30 * time.Second},
		HistoryLimit:         50,
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides fields from CARECHAT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CARECHAT_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CARECHAT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("CARECHAT_API_URL"); v != "" {
		c.APIURL = v
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server_url %q: must be a ws:// or wss:// URL", c.ServerURL)
	}
	u, err = url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q: must be an http:// or https:// URL", c.APIURL)
	}
	if c.Token == "" {
		return errors.New("token is empty: set it in config.toml or CARECHAT_TOKEN")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit %d: must not be negative", c.HistoryLimit)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
