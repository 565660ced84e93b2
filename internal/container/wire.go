//go:build wireinject
// +build wireinject

package container

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
)

// Initialize creates a container with all dependencies.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	wire.Build(
		// Substrate
		ProvideSubstrates,

		// Components
		ProvideBus,
		ProvideArchiver,
		ProvideStore,
		ProvideRegistry,

		// Dead letters
		ProvideDeadLetterSink,

		// Metrics
		ProvideMetricsRegistry,
		ProvideMetrics,

		// Container
		wire.Struct(new(Container), "Config", "Logger", "Substrates", "Bus", "Store", "Registry", "DeadLetters", "Metrics", "Gatherer"),
	)

	return nil, nil, nil
}
