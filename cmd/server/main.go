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

	"golang.org/x/sync/errgroup"

	"relay/internal/platform/config"
	"relay/internal/platform/logger"
	"relay/internal/platform/tracing"
)

// main loads configuration, wires the application and runs it until SIGINT
// or SIGTERM. Business logic lives in internal and pkg packages.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New("relay", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel)
	if err != nil {
		log.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	log.Info("starting relay",
		"addr", cfg.Server.Addr,
		"env", cfg.Server.Environment,
		"bus", cfg.BusDriver,
		"storage", a.storage,
		"outbox_ordering", cfg.Outbox.Ordering,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.start(gctx)
		<-gctx.Done()

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		errs := []error{srv.Shutdown(shutdownCtx)}
		errs = append(errs, a.stop(shutdownCtx)...)
		errs = append(errs, shutdownTracing(shutdownCtx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}
