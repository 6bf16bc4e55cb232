package supervisor

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/risa-org/hubfeed/scheduler"
	"github.com/risa-org/hubfeed/transport/hub"
	"github.com/risa-org/hubfeed/transport/poll"
)

const (
	// DefaultServerURL is the telemetry server on its well-known port.
	DefaultServerURL = "http://localhost:25555"

	DefaultPersistentTimeout = 5 * time.Second
	DefaultReconnectDelay    = 2 * time.Second
)

// Config is everything a consumer can tune. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	ServerURL         string        // base URL of the telemetry server
	PreferPersistent  bool          // try the hub channel first; false goes straight to polling
	PersistentTimeout time.Duration // how long negotiate+connect may take before falling back
	PollInterval      time.Duration // fetch interval while polling
	UpdateCadence     time.Duration // hub request cadence, clamped to scheduler.MinInterval
	ReconnectDelay    time.Duration // fixed wait before each reconnect attempt

	Hub hub.Config // hub name, methods, keepalive
}

// DefaultConfig returns the defaults the dashboard ships with.
func DefaultConfig() Config {
	return Config{
		ServerURL:         DefaultServerURL,
		PreferPersistent:  true,
		PersistentTimeout: DefaultPersistentTimeout,
		PollInterval:      poll.DefaultInterval,
		UpdateCadence:     scheduler.DefaultInterval,
		ReconnectDelay:    DefaultReconnectDelay,
		Hub:               hub.DefaultConfig(),
	}
}

// Validate reports the first problem with c. A cadence under the floor
// is not a problem; it is clamped.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server url %q: scheme must be http or https", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("server url %q: missing host", c.ServerURL)
	}
	if c.PersistentTimeout <= 0 {
		return errors.New("persistent timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.UpdateCadence <= 0 {
		return errors.New("update cadence must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	return nil
}
