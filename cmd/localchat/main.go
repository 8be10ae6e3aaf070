package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/comigor/localchat/internal/api"
	"github.com/comigor/localchat/internal/chat"
	"github.com/comigor/localchat/internal/config"
	"github.com/comigor/localchat/internal/history"
	"github.com/comigor/localchat/internal/llm"
	"github.com/comigor/localchat/internal/logger"
	"github.com/comigor/localchat/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", "", "path to the config file (defaults to ./config.yaml or $CONFIG_PATH)")
	port := pflag.String("port", "", "listen port, overrides server.port")
	uiDir := pflag.String("ui-dir", "", "directory of the built web UI, overrides ui.dir")
	pflag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.L.Warn("failed to load .env file", "error", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *port
	}
	if pflag.CommandLine.Changed("ui-dir") {
		cfg.UI.Dir = *uiDir
	}
	logger.SetLevel(cfg.Log.Level)

	if err := run(cfg); err != nil {
		logger.L.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := history.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L.Warn("failed to close chat store", "error", err)
		}
	}()
	logger.L.Info("chat store ready", "path", cfg.Storage.Path)

	backend, err := llm.NewBackend(cfg.Backend)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := chat.NewService(store, backend, m)
	handler := api.NewHandler(svc, store, cfg.Backend.BaseURL)
	router := api.NewRouter(handler, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		UIDir:       cfg.UI.Dir,
		Metrics:     m,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server",
			"address", srv.Addr,
			"backend", cfg.Backend.Provider,
			"backend_url", cfg.Backend.BaseURL,
			"ui_dir", cfg.UI.Dir,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.L.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
