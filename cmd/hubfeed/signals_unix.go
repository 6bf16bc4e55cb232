//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/supervisor"
)

// handleControlSignals maps SIGHUP, SIGUSR1 and SIGUSR2 onto supervisor
// commands until ctx is done.
func handleControlSignals(ctx context.Context, sup *supervisor.Supervisor, log zerolog.Logger) (stop func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				var err error
				switch sig {
				case syscall.SIGHUP:
					err = sup.Reconnect()
				case syscall.SIGUSR1:
					err = sup.SwitchToPolling()
				case syscall.SIGUSR2:
					err = sup.SwitchToPersistent()
				}
				if err != nil {
					log.Warn().Err(err).Stringer("signal", sig).Msg("control signal ignored")
				}
			}
		}
	}()
	return func() { signal.Stop(sigs) }
}
