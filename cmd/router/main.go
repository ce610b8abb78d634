// relaymesh-router terminates inbound requests across every surface (web,
// CLI, tool, chat platforms), authenticates them, and hands normalized
// requests to the Communication Substrate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/control-plane/pkg/router"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("relaymesh request router starting")

	ctx := context.Background()
	svc, err := router.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize router")
	}
	defer svc.Close()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", svc.Config.Port),
		Handler:      svc.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", svc.Config.Port).Msg("request router listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("router server failed")
	}
}
