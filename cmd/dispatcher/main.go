// relaymesh-dispatcher fans response.ready events out to every enabled
// integration (chat, email, webhook, test) and retries failed deliveries
// on a persistent schedule.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/control-plane/pkg/dispatcher"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("relaymesh integration dispatcher starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := dispatcher.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dispatcher")
	}
	defer svc.Close()

	go svc.Dispatcher.Start(ctx, svc.Config.Dispatcher.RetryPollInterval)
	log.Info().Dur("interval", svc.Config.Dispatcher.RetryPollInterval).Msg("retry poller started")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", svc.Config.Dispatcher.Port),
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
		cancel()
		shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer sdCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", svc.Config.Dispatcher.Port).Msg("integration dispatcher listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("dispatcher server failed")
	}
}
