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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"pageview/pkg/config"
	"pageview/pkg/env"
	"pageview/pkg/initialization"
	"pageview/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Load environment variables for logger and bootstrap
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	// Initialize Logger early so bootstrap can use it
	logger.Init(env.LogLevel())
	defer logger.Close()

	logger.Info("Starting pageview", "version", "v0.1.0")

	cfg, err := config.Load()
	if err != nil {
		initialization.WaitForInputAndExit(fmt.Errorf("configuration error: %w", err))
	}
	logger.SetLevel(cfg.LogLevel)

	comp, err := initialization.Bootstrap(cfg)
	if err != nil {
		initialization.WaitForInputAndExit(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           comp.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", httpServer.Addr, "cache", comp.Store.Root())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		comp.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("Exited with error", "err", err)
		logger.Close()
		os.Exit(1)
	}
}
