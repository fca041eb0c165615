// Package main is the entry point for the fresh-proxy caching proxy.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/always-cache/fresh-proxy/cmd/fresh-proxy/commands"
	"github.com/rs/zerolog/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.New().Execute(ctx); err != nil {
		log.Error().Err(err).Msg("Exiting")
		return 1
	}
	return 0
}
