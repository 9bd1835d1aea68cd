package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loxip/sockproxyd/internal/config"
	"github.com/loxip/sockproxyd/internal/daemon"
)

// drainTimeout is the maximum time serve waits, after the shutdown signal,
// for Engine.Run to close every listener and connection and return before
// serve exits anyway.
const drainTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sockproxyd proxy daemon",
	Long:  "Load the rule file and run the proxy engine until a shutdown signal arrives.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load and validate the rule file.
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("sockproxyd serve: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// 2. Set up structured logger.
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting sockproxyd",
		"version", buildVersion,
		"rules", len(cfg.Rules),
	)

	// 3. Build the daemon: registry, selector, engine, and every rule in
	// cfg already added.
	d, err := daemon.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("sockproxyd serve: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 4. Run the engine: Run's accept loops and live CPEs all hang off
	// ctx, so cancellation (the signal context above) drains them itself;
	// this goroutine just reports when that drain has finished.
	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Engine.Run(ctx, d.Accelerate())
	}()

	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())

	select {
	case err := <-runDone:
		if err != nil {
			logger.Error("engine stopped with error", "error", err)
		}
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded, forcing exit")
	}

	logger.Info("sockproxyd stopped")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
