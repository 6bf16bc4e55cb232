// hubfeed connects to a telemetry server and writes every snapshot to
// stdout, one record per line (json) or as a CBOR sequence (cbor).
//
// It prefers the persistent hub channel and falls back to HTTP polling
// when the channel cannot be opened. On unix, SIGHUP forces a
// reconnect, SIGUSR1 switches to polling and SIGUSR2 switches back to
// the hub channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/risa-org/hubfeed/config"
	"github.com/risa-org/hubfeed/logging"
	"github.com/risa-org/hubfeed/sink"
	"github.com/risa-org/hubfeed/store/file"
	"github.com/risa-org/hubfeed/supervisor"
	"github.com/risa-org/hubfeed/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath   string
	server       string
	pollOnly     bool
	cadence      time.Duration
	pollInterval time.Duration
	format       string
	record       string
	limit        uint64
	logLevel     string
	logFormat    string
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("hubfeed", pflag.ContinueOnError)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "path to hubfeed.toml")
	flagSet.StringVarP(&f.server, "server", "s", "", "telemetry server base URL (default "+supervisor.DefaultServerURL+")")
	flagSet.BoolVar(&f.pollOnly, "poll", false, "skip the hub channel and poll from the start")
	flagSet.DurationVar(&f.cadence, "cadence", 0, "hub request cadence, at least 100ms")
	flagSet.DurationVar(&f.pollInterval, "poll-interval", 0, "HTTP polling interval")
	flagSet.StringVarP(&f.format, "format", "f", sink.FormatJSON, "output format: json or cbor")
	flagSet.StringVar(&f.record, "record", "", "also append snapshots to this fixture file, written on exit")
	flagSet.Uint64VarP(&f.limit, "limit", "n", 0, "exit after this many snapshots (0 = run until interrupted)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "log level (overrides config and "+logging.EnvLogLevel+")")
	flagSet.StringVar(&f.logFormat, "log-format", "", "log format: console or json")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return err
		}
	}
	if err := applyFlags(flagSet, f, &cfg); err != nil {
		return err
	}
	log := logging.New(cfg.Log)

	out, err := sink.New(f.format, os.Stdout)
	if err != nil {
		return err
	}

	var fixture *file.Store
	if f.record != "" {
		if fixture, err = file.New(f.record); err != nil {
			return err
		}
	}

	sup, err := supervisor.NewDefault(cfg.Supervisor, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var written atomic.Uint64
	sup.Subscribe(supervisor.ObserverFuncs{
		Snapshot: func(snap transport.Snapshot) {
			if err := out.Write(snap); err != nil {
				log.Warn().Err(err).Msg("writing snapshot")
				return
			}
			if fixture != nil {
				if err := fixture.Append(snap.ReceivedAt, snap.Data); err != nil {
					log.Warn().Err(err).Msg("recording snapshot")
				}
			}
			if n := written.Add(1); f.limit > 0 && n >= f.limit {
				cancel()
			}
		},
		Status: func(st supervisor.Status) {
			logStatus(log, st)
		},
	})

	if err := sup.Start(ctx); err != nil {
		return err
	}
	stopControls := handleControlSignals(ctx, sup, log)
	defer stopControls()

	<-sup.Done()

	if fixture != nil {
		if err := fixture.Flush(); err != nil {
			return fmt.Errorf("writing fixture: %w", err)
		}
		log.Info().Int("frames", fixture.Len()).Str("path", f.record).Msg("fixture written")
	}
	return nil
}

// applyFlags layers env and then command-line flags over the config file.
func applyFlags(flagSet *pflag.FlagSet, f flags, cfg *config.Config) error {
	logging.ApplyEnv(&cfg.Log)

	sup := &cfg.Supervisor
	if flagSet.Changed("server") {
		sup.ServerURL = f.server
	}
	if flagSet.Changed("poll") {
		sup.PreferPersistent = !f.pollOnly
	}
	if flagSet.Changed("cadence") {
		sup.UpdateCadence = f.cadence
	}
	if flagSet.Changed("poll-interval") {
		sup.PollInterval = f.pollInterval
	}
	if flagSet.Changed("log-level") {
		lvl, ok := logging.ParseLevel(f.logLevel)
		if !ok {
			return fmt.Errorf("unknown log level %q", f.logLevel)
		}
		cfg.Log.Level = lvl
	}
	if flagSet.Changed("log-format") {
		switch f.logFormat {
		case logging.FormatConsole, logging.FormatJSON:
			cfg.Log.Format = f.logFormat
		default:
			return fmt.Errorf("unknown log format %q", f.logFormat)
		}
	}
	return sup.Validate()
}

func logStatus(log zerolog.Logger, st supervisor.Status) {
	log.Info().Str("state", st.State.String()).
		Str("transport", st.Transport.String()).
		Bool("live", st.Live).
		Msg(st.Message)
}
