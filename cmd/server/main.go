package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FreePeak/streamable-mcp-server/internal/config"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/server"
	"github.com/FreePeak/streamable-mcp-server/internal/usecases"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", "", "Listen address, overrides config (e.g., :8080)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger, err := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Logging.Level),
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
		InitialFields: logging.Fields{
			"server":  cfg.ServerName,
			"version": cfg.ServerVersion,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	registry := server.NewSessionRegistry()
	sender := server.NewNotificationSender(registry)
	engine := usecases.NewEngineService(usecases.EngineConfig{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
		Sender:  sender,
		Logger:  logger,
	})

	srv := server.NewStreamableHTTPServer(registry, engine,
		server.WithServerInfo(cfg.ServerName, cfg.ServerVersion),
		server.WithPushBufferSize(cfg.PushBufferSize),
		server.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", logging.Fields{"addr": cfg.ListenAddr})
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", logging.Fields{"error": err.Error()})
	}
}
