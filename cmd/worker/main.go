// relaymesh-worker claims request.created events, invokes the agent
// runtime, releases the session turn lock, and publishes response.ready.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/control-plane/internal/config"
	"github.com/relaymesh/control-plane/pkg/worker"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("relaymesh agent worker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := worker.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize worker")
	}
	defer svc.Close()

	if svc.Config.Transport.Kind == config.TransportBroker {
		if err := svc.Worker.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to request.created")
		}
		log.Info().Msg("subscribed to request.created over the broker substrate")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", svc.Config.Worker.Port),
		Handler:      svc.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		cancel()
		shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer sdCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", svc.Config.Worker.Port).Msg("agent worker listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("worker server failed")
	}
}
