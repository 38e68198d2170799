package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PatchLens/go-step-lens/lens"
	"github.com/PatchLens/go-step-lens/lens/cmd"
)

const pprofDebug = false

func main() {
	config, err := cmd.ParseFlags(nil) // No custom flags for the standard server
	if err != nil {
		log.Fatal().Err(err).Msg("invalid flags")
	}
	config.ConfigureLogging()

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error().Err(err).Msg("pprof server failure")
			}
		}()
	}

	service, err := lens.NewService(config)
	if err != nil {
		log.Fatal().Err(err).Msg("service setup failed")
	}
	server := lens.NewServer(service)
	if err := server.Start(); err != nil {
		_ = service.Close()
		log.Fatal().Err(err).Msg("server start failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutting down")

	// graceful shutdown with context timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := service.Close(); err != nil {
		log.Error().Err(err).Msg("service close failed")
	}
}
