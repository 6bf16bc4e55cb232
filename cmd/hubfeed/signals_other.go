//go:build !unix

package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/supervisor"
)

func handleControlSignals(context.Context, *supervisor.Supervisor, zerolog.Logger) (stop func()) {
	return func() {}
}
