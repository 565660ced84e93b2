package container

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/deadletter"
	"github.com/narwhalmedia/switchboard/internal/eventbus"
	"github.com/narwhalmedia/switchboard/internal/eventstore"
	"github.com/narwhalmedia/switchboard/internal/eventstore/s3archive"
	"github.com/narwhalmedia/switchboard/internal/metrics"
	"github.com/narwhalmedia/switchboard/internal/registry"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/internal/substrate/memory"
	"github.com/narwhalmedia/switchboard/internal/substrate/redis"
)

// Substrates holds the substrate connections. The bus reads on Sub with
// blocking calls, so with Redis it gets a connection of its own; everything
// else shares Pub.
type Substrates struct {
	Pub    substrate.Client
	Sub    substrate.Client
	Locker substrate.Locker
}

// ProvideSubstrates opens the substrate selected by cfg.Substrate.Driver.
func ProvideSubstrates(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Substrates, func(), error) {
	switch cfg.Substrate.Driver {
	case "memory":
		c := memory.New()
		logger.Warn("using in-process substrate; state is not shared or durable")
		return &Substrates{Pub: c, Sub: c, Locker: c}, func() { _ = c.Close() }, nil
	case "redis", "":
		pub, closePub, err := redis.NewClient(ctx, cfg.Substrate, logger)
		if err != nil {
			return nil, nil, err
		}
		sub, closeSub, err := redis.NewClient(ctx, cfg.Substrate, logger)
		if err != nil {
			closePub()
			return nil, nil, err
		}
		return &Substrates{Pub: pub, Sub: sub, Locker: pub}, func() {
			closeSub()
			closePub()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown substrate driver: %q", cfg.Substrate.Driver)
	}
}

// registrySubstrate adapts Substrates.Pub to the registry's needs.
func registrySubstrate(s *Substrates) registry.Substrate { return s.Pub }

// ProvideBus creates the event bus over the shared connections. It is not
// connected yet.
func ProvideBus(s *Substrates, cfg *config.Config, logger *zap.Logger) *eventbus.Bus {
	return eventbus.New(s.Pub, s.Sub, cfg.EventBus, cfg.Service.Name, logger, eventbus.WithSharedSubstrate())
}

// ProvideArchiver returns the S3 snapshot archive, or nil when disabled.
func ProvideArchiver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eventstore.SnapshotArchiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	a, err := s3archive.New(ctx, cfg.Archive, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ProvideStore creates the event store.
func ProvideStore(s *Substrates, archiver eventstore.SnapshotArchiver, cfg *config.Config, logger *zap.Logger) (*eventstore.Store, func()) {
	opts := []eventstore.Option{eventstore.WithLocker(s.Locker)}
	if archiver != nil {
		opts = append(opts, eventstore.WithArchiver(archiver))
	}
	store := eventstore.New(s.Pub, cfg.EventStore, logger, opts...)
	return store, store.Close
}

// ProvideRegistry creates the service registry. It is not started yet.
func ProvideRegistry(s *Substrates, cfg *config.Config, logger *zap.Logger) *registry.Registry {
	return registry.New(registrySubstrate(s), cfg.Registry, logger, registry.WithLocker(s.Locker))
}

// ProvideDeadLetterSink opens the configured dead-letter sink.
func ProvideDeadLetterSink(cfg *config.Config, logger *zap.Logger) (deadletter.Sink, func(), error) {
	sink, err := deadletter.New(cfg.DeadLetter, logger)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {
		if err := sink.Close(); err != nil {
			logger.Error("failed to close dead letter sink", zap.Error(err))
		}
	}, nil
}

// ProvideMetricsRegistry creates the Prometheus registry with the runtime
// collectors.
func ProvideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates the signal collectors on reg.
func ProvideMetrics(reg *prometheus.Registry) (*metrics.Collector, error) {
	return metrics.New(reg)
}
