package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/events"
	"github.com/cocdev/coc/internal/executor"
	gateway "github.com/cocdev/coc/internal/gateway/websocket"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
	"github.com/cocdev/coc/internal/server"
	"github.com/cocdev/coc/internal/tracing"
	"github.com/cocdev/coc/pkg/copilot"
)

var (
	servePort    int
	serveHost    string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task queue and dashboard server",
	Long: `Run the coc engine: a task queue draining through the Copilot CLI, a
process store tracking every AI execution, and a local web dashboard with
live updates over WebSocket and SSE.

Examples:
  coc serve                  # listen on localhost:4000
  coc serve --port 8080      # override the configured port
  coc serve --data-dir /tmp  # keep store data elsewhere`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "data directory (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadWithDir(configDir)
	if err != nil {
		return withExitCode(exitConfigIO, fmt.Errorf("failed to load configuration: %w", err))
	}
	if cmd.Flags().Changed("port") {
		cfg.Serve.Port = servePort
	}
	if serveHost != "" {
		cfg.Serve.Host = serveHost
	}
	if serveDataDir != "" {
		cfg.Serve.DataDir = config.ExpandHome(serveDataDir)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return withExitCode(exitConfigIO, fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting coc serve",
		zap.String("version", version),
		zap.String("store", cfg.Serve.Store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return withExitCode(exitConfigIO, err)
	}
	defer func() { _ = busCleanup() }()

	st, storeCleanup, err := store.Provide(cfg.Serve, log)
	if err != nil {
		return withExitCode(exitConfigIO, err)
	}
	defer func() { _ = storeCleanup() }()

	q := queue.NewManager(cfg.Queue.MaxSize, cfg.Queue.MaxHistory, log)

	aiClient := copilot.NewClient(copilot.Config{
		CLIURL:             cfg.Copilot.CLIURL,
		Model:              cfg.Model,
		ApprovePermissions: cfg.ApprovePermissions,
	}, log)
	if err := aiClient.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = aiClient.Stop() }()

	exec := executor.New(q, st, executor.NewCLITaskExecutor(aiClient, st, cfg, log), eventBus, executor.Config{
		MaxConcurrency: cfg.Queue.MaxConcurrency,
	}, log)
	if err := exec.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Options{
		Config:    cfg,
		Queue:     q,
		Store:     st,
		Gateway:   gateway.NewGateway(gateway.HubOptions{}, log),
		Canceller: exec,
		Logger:    log,
	})
	if err := srv.Start(ctx); err != nil {
		_ = exec.Stop()
		return withExitCode(exitConfigIO, err)
	}

	fmt.Printf("coc dashboard listening on http://%s\n", srv.Addr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Shutting down", zap.String("signal", sig.String()))

	// A second signal abandons the graceful drain.
	go func() {
		<-quit
		fmt.Fprintln(os.Stderr, "forced shutdown")
		os.Exit(130)
	}()

	// Workers and the hub watch ctx; cancel before waiting on them.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := exec.Stop(); err != nil {
		log.Error("Executor stop error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("coc stopped")
	return nil
}
