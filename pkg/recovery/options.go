package recovery

import (
	"log/slog"
	"time"
)

// Option configures the service.
type Option func(*config)

type config struct {
	clock      Clock
	sigs       SignatureVerifier
	dispatcher Dispatcher
	notifier   Notifier
	logger     *slog.Logger
	cacheSize  int
}

// WithClock sets the logical clock. Defaults to wall-clock seconds.
func WithClock(c Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithSignatureVerifier overrides the Ed25519 signature verifier.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(cfg *config) {
		cfg.sigs = v
	}
}

// WithDispatcher sets the host dispatch engine used by AsRecovered.
// Without one, forwarding fails.
func WithDispatcher(d Dispatcher) Option {
	return func(cfg *config) {
		cfg.dispatcher = d
	}
}

// WithNotifier sets the event sink. Defaults to logging each event.
func WithNotifier(n Notifier) Option {
	return func(cfg *config) {
		cfg.notifier = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// WithConfigCacheSize sets the size of the recovery-config read cache.
func WithConfigCacheSize(n int) Option {
	return func(cfg *config) {
		cfg.cacheSize = n
	}
}

func applyOptions(opts ...Option) *config {
	cfg := &config{
		clock:     ClockFunc(func() uint64 { return uint64(time.Now().Unix()) }),
		sigs:      ed25519Verifier{},
		cacheSize: defaultConfigCacheSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.notifier == nil {
		cfg.notifier = slogNotifier{logger: cfg.logger}
	}
	return cfg
}
