package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/risa-org/hubfeed/config"
)

func parse(t *testing.T, args ...string) (*pflag.FlagSet, flags) {
	t.Helper()
	var f flags
	fs := pflag.NewFlagSet("hubfeed", pflag.ContinueOnError)
	fs.StringVarP(&f.server, "server", "s", "", "")
	fs.BoolVar(&f.pollOnly, "poll", false, "")
	fs.DurationVar(&f.cadence, "cadence", 0, "")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "")
	fs.StringVar(&f.logLevel, "log-level", "", "")
	fs.StringVar(&f.logFormat, "log-format", "", "")
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return fs, f
}

// Only flags that were given override the config.
func TestApplyFlags(t *testing.T) {
	fs, f := parse(t, "--server", "http://10.0.0.5:25555", "--poll", "--cadence", "300ms", "--log-level", "warn")
	cfg := config.Default()
	before := cfg.Supervisor.PollInterval

	if err := applyFlags(fs, f, &cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Supervisor.ServerURL != "http://10.0.0.5:25555" {
		t.Errorf("expected server override, got %s", cfg.Supervisor.ServerURL)
	}
	if cfg.Supervisor.PreferPersistent {
		t.Error("expected --poll to disable the hub channel")
	}
	if cfg.Supervisor.UpdateCadence != 300*time.Millisecond {
		t.Errorf("expected 300ms cadence, got %v", cfg.Supervisor.UpdateCadence)
	}
	if cfg.Supervisor.PollInterval != before {
		t.Errorf("expected poll interval untouched, got %v", cfg.Supervisor.PollInterval)
	}
	if cfg.Log.Level != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %v", cfg.Log.Level)
	}
}

func TestApplyFlagsRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"--server", "localhost:25555"},
		{"--log-level", "chatty"},
		{"--log-format", "yaml"},
		{"--poll-interval", "0s"},
	} {
		fs, f := parse(t, args...)
		cfg := config.Default()
		if err := applyFlags(fs, f, &cfg); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
