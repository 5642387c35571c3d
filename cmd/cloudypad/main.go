package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/cmd/cloudypad/commands"
	"github.com/cloudypad/cloudypad/pkg/engine"
)

// Set with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// refined by the commands once the configuration is loaded
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()

	if err == nil {
		return
	}
	if engine.IsUserAbort(err) {
		log.Info().Msg("Aborted")
		return
	}
	log.Error().Err(err).Msg("Command failed")
	os.Exit(1)
}
