// hubfeed-mock serves a fake telemetry server for development: the
// negotiate endpoint, the hub channel and the polling endpoint.
//
// Snapshots come from a fixture recorded with `hubfeed --record`, or are
// synthesized when no fixture is given.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/risa-org/hubfeed/logging"
	"github.com/risa-org/hubfeed/mockhub"
	"github.com/risa-org/hubfeed/store/file"
	"github.com/risa-org/hubfeed/transport/hub"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen          string
		hubName         string
		fixturePath     string
		noWebSockets    bool
		negotiateStatus int
		failPolls       []uint
		dropEvery       time.Duration
		dropCode        int
	)

	flagSet := pflag.NewFlagSet("hubfeed-mock", pflag.ContinueOnError)
	flagSet.StringVarP(&listen, "listen", "l", ":25555", "address to listen on")
	flagSet.StringVar(&hubName, "hub", hub.DefaultHubName, "hub name to accept")
	flagSet.StringVar(&fixturePath, "fixture", "", "fixture file to replay")
	flagSet.BoolVar(&noWebSockets, "no-websockets", false, "advertise and accept only HTTP polling")
	flagSet.IntVar(&negotiateStatus, "negotiate-status", 0, "answer every negotiate with this HTTP status")
	flagSet.UintSliceVar(&failPolls, "fail-polls", nil, "poll ticks to answer with 500, e.g. 3,4,10")
	flagSet.DurationVar(&dropEvery, "drop-every", 0, "drop open hub channels on this interval")
	flagSet.IntVar(&dropCode, "drop-code", 1011, "close code for --drop-every; 0 cuts the connection")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logging.Runtime()

	var fixture *file.Store
	if fixturePath != "" {
		var err error
		if fixture, err = file.New(fixturePath); err != nil {
			return err
		}
		log.Info().Int("frames", fixture.Len()).Str("path", fixturePath).Msg("fixture loaded")
	}

	server, err := mockhub.New(mockhub.Options{HubName: hubName, Fixture: fixture, Logger: log})
	if err != nil {
		return err
	}
	server.SetPersistentEnabled(!noWebSockets)
	server.SetNegotiateStatus(negotiateStatus)
	for _, tick := range failPolls {
		server.FailPolls(http.StatusInternalServerError, uint64(tick))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dropEvery > 0 {
		go func() {
			ticker := time.NewTicker(dropEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := server.DropChannels(dropCode, "scheduled drop"); n > 0 {
						log.Info().Int("channels", n).Int("code", dropCode).Msg("dropped channels")
					}
				}
			}
		}()
	}

	httpServer := &http.Server{Addr: listen, Handler: server, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Info().Str("listen", listen).Str("hub", hubName).Bool("websockets", !noWebSockets).Msg("mock telemetry server up")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// hijacked websocket connections are not closed by Shutdown
	server.DropChannels(1001, "server shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stats := server.Stats()
	log.Info().
		Uint64("negotiations", stats.Negotiations).
		Uint64("connects", stats.Connects).
		Uint64("requests", stats.Requests).
		Uint64("polls", stats.Polls).
		Msg("stopped")
	return nil
}
