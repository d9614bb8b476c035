package server

import "log/slog"

// Option configures the server.
type Option func(*config)

type config struct {
	adminToken string
	logger     *slog.Logger
}

// WithAdminToken sets the bearer token accepted for privileged operations.
// If empty (default), privileged endpoints reject every request.
func WithAdminToken(token string) Option {
	return func(c *config) {
		c.adminToken = token
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func applyOptions(opts ...Option) *config {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}
