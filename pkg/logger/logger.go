package logger

import (
	"os"

	"go.uber.org/zap"
)

// New creates a logger tagged with the service identity.
func New(serviceName, environment string, cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	built := *cfg
	built.InitialFields = map[string]interface{}{
		"service": serviceName,
		"env":     environment,
	}
	for k, v := range cfg.InitialFields {
		built.InitialFields[k] = v
	}

	logger, err := built.Build()
	if err != nil {
		return nil, err
	}

	// Add hostname if available
	if hostname, err := os.Hostname(); err == nil {
		logger = logger.With(zap.String("hostname", hostname))
	}

	return logger, nil
}

// WithCorrelation adds correlation and causation IDs to the logger.
func WithCorrelation(logger *zap.Logger, correlationID, causationID string) *zap.Logger {
	fields := []zap.Field{}

	if correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}

	if causationID != "" {
		fields = append(fields, zap.String("causation_id", causationID))
	}

	if len(fields) > 0 {
		return logger.With(fields...)
	}

	return logger
}
