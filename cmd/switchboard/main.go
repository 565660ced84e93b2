package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/container"
	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	"github.com/narwhalmedia/switchboard/pkg/logger"
)

const serviceName = "switchboard"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logCfg := cfg.Logger
	if cfg.IsProduction() {
		logCfg.Development = false
		logCfg.Format = "json"
	}
	log, err := logger.New(cfg.Service.Name, cfg.Service.Environment, &logCfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting service",
		zap.String("version", cfg.Service.Version),
		zap.String("environment", cfg.Service.Environment),
		zap.String("substrate", cfg.Substrate.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, cleanup, err := container.Initialize(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize service", zap.Error(err))
	}
	defer cleanup()

	if err := c.Start(ctx); err != nil {
		log.Fatal("failed to start components", zap.Error(err))
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := c.Substrates.Pub.Ping(r.Context()); err != nil {
			status, code = "substrate unreachable", http.StatusServiceUnavailable
		}
		body, err := codec.Marshal(map[string]interface{}{
			"status":  status,
			"service": c.Registry.LocalServiceID(),
			"bus":     c.Bus.Stats(),
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	})
	if cfg.Metrics.Enabled {
		httpMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler: httpMux,
	}
	go func() {
		log.Info("starting HTTP server", zap.Int("port", cfg.Service.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to serve HTTP", zap.Error(err))
		}
	}()

	id, err := c.Registry.RegisterService(ctx, service.Info{
		Name:    cfg.Service.Name,
		Version: cfg.Service.Version,
		Type:    "coordinator",
		Status:  service.StatusStarting,
		Address: service.Address{
			Host:     cfg.Service.Host,
			Port:     cfg.Service.HTTPPort,
			Protocol: "http",
		},
		Capabilities: []string{"eventbus", "eventstore", "registry"},
		Health:       service.HealthConfig{Endpoint: "/health"},
	})
	if err != nil {
		log.Fatal("failed to register service", zap.Error(err))
	}
	log.Info("service registered", zap.String("service_id", id))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop components", zap.Error(err))
	}

	log.Info("service shutdown complete")
}
