package config

import "time"

const (
	DefaultServiceName = "switchboard"

	// Server defaults.
	DefaultHTTPPort        = 8080
	DefaultShutdownTimeout = 30 * time.Second

	// Substrate defaults.
	DefaultRedisPort    = 6379
	DefaultMaxRetries   = 3
	DefaultPoolSize     = 10
	DefaultMinIdleConns = 2

	// Timeout defaults.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultMaxStreamLength caps each durable stream, trimmed approximately.
	DefaultMaxStreamLength = 10000
)
