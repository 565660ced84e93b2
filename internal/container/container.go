// Package container assembles the coordination components of a process.
package container

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/deadletter"
	"github.com/narwhalmedia/switchboard/internal/eventbus"
	"github.com/narwhalmedia/switchboard/internal/eventstore"
	"github.com/narwhalmedia/switchboard/internal/metrics"
	"github.com/narwhalmedia/switchboard/internal/registry"
)

// Container holds every component of a switchboard process.
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Substrates  *Substrates
	Bus         *eventbus.Bus
	Store       *eventstore.Store
	Registry    *registry.Registry
	DeadLetters deadletter.Sink
	Metrics     *metrics.Collector
	Gatherer    *prometheus.Registry

	detach []func()
}

// Start connects the bus, starts the registry schedules and attaches the
// dead-letter sink and metrics to the component signals.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	if err := c.Registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	c.detach = append(c.detach, deadletter.Attach(c.Bus.Signals(), c.DeadLetters, c.Logger))

	if c.Config.Metrics.Enabled {
		for _, observe := range []func() (func(), error){
			func() (func(), error) { return c.Metrics.ObserveBus(c.Bus.Signals()) },
			func() (func(), error) { return c.Metrics.ObserveStore(c.Store.Signals()) },
			func() (func(), error) { return c.Metrics.ObserveRegistry(c.Registry.Signals()) },
		} {
			detach, err := observe()
			if err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			c.detach = append(c.detach, detach)
		}
	}
	return nil
}

// Shutdown stops the components that need a context, in reverse start
// order. Connections are closed by the cleanup function returned with the
// container.
func (c *Container) Shutdown(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	if err := c.Registry.Shutdown(ctx); err != nil {
		c.Logger.Error("registry shutdown failed", zap.Error(err))
		firstErr = err
	}
	if err := c.Bus.Close(ctx); err != nil {
		c.Logger.Error("event bus shutdown failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, detach := range c.detach {
		detach()
	}
	c.detach = nil

	c.Logger.Info("components stopped", zap.Duration("elapsed", time.Since(start)))
	return firstErr
}
