// Package config loads hubfeed.toml.
//
// Only keys present in the file override the defaults, so an empty file
// is a valid configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/risa-org/hubfeed/logging"
	"github.com/risa-org/hubfeed/supervisor"
)

// Config is the supervisor configuration plus how to log.
type Config struct {
	Supervisor supervisor.Config
	Log        logging.Options
}

// hubfeed.toml key mapping.
type fileConfig struct {
	ServerURL           string     `toml:"server_url"`
	PreferPersistent    bool       `toml:"prefer_persistent"`
	PersistentTimeoutMS int64      `toml:"persistent_timeout_ms"`
	PollIntervalMS      int64      `toml:"poll_interval_ms"`
	UpdateCadenceMS     int64      `toml:"update_cadence_ms"`
	ReconnectDelayMS    int64      `toml:"reconnect_delay_ms"`
	KeepaliveIntervalMS int64      `toml:"keepalive_interval_ms"`
	HubName             string     `toml:"hub_name"`
	Log                 logSection `toml:"log"`
}

type logSection struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	NoColor   bool   `toml:"no_color"`
	Timestamp bool   `toml:"timestamp"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Supervisor: supervisor.DefaultConfig(),
		Log:        logging.DefaultOptions(logging.ProfileRuntime),
	}
}

// Load reads path and overlays it on Default. The result is validated.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return overlay(raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return overlay(raw, meta)
}

func overlay(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	sup := &cfg.Supervisor

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	if meta.IsDefined("server_url") {
		sup.ServerURL = strings.TrimRight(strings.TrimSpace(raw.ServerURL), "/")
	}
	if meta.IsDefined("prefer_persistent") {
		sup.PreferPersistent = raw.PreferPersistent
	}
	if meta.IsDefined("persistent_timeout_ms") {
		sup.PersistentTimeout = millis(raw.PersistentTimeoutMS)
	}
	if meta.IsDefined("poll_interval_ms") {
		sup.PollInterval = millis(raw.PollIntervalMS)
	}
	if meta.IsDefined("update_cadence_ms") {
		sup.UpdateCadence = millis(raw.UpdateCadenceMS)
	}
	if meta.IsDefined("reconnect_delay_ms") {
		sup.ReconnectDelay = millis(raw.ReconnectDelayMS)
	}
	if meta.IsDefined("keepalive_interval_ms") {
		sup.Hub.Keepalive = millis(raw.KeepaliveIntervalMS)
		if sup.Hub.Keepalive <= 0 {
			return Config{}, fmt.Errorf("keepalive_interval_ms must be positive")
		}
	}
	if meta.IsDefined("hub_name") {
		sup.Hub.HubName = strings.TrimSpace(raw.HubName)
		if sup.Hub.HubName == "" {
			return Config{}, fmt.Errorf("hub_name must not be empty")
		}
	}

	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Log.Level)
		if !ok {
			return Config{}, fmt.Errorf("unknown log level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log", "format") {
		switch f := strings.ToLower(strings.TrimSpace(raw.Log.Format)); f {
		case logging.FormatConsole, logging.FormatJSON:
			cfg.Log.Format = f
		default:
			return Config{}, fmt.Errorf("unknown log format %q", raw.Log.Format)
		}
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}

	if err := sup.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
