package teamchat

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxBodyLength = 1000
	DefaultHistoryLimit  = 50
)

// Config holds the tunables shared by the sync components.
type Config struct {
	// MaxBodyLength is the maximum message length in runes after trimming.
	MaxBodyLength int
	// HistoryLimit is how many recent messages Open fetches.
	HistoryLimit int
}

func (c *Config) defaults() {
	if c.MaxBodyLength <= 0 {
		c.MaxBodyLength = DefaultMaxBodyLength
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

type options struct {
	config    Config
	logger    zerolog.Logger
	metrics   *Metrics
	now       func() time.Time
	onFailure func(*SendFailure)
}

// Option configures a SubscriptionManager, SendCoordinator or Session.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.config.defaults()
	return o
}

// WithConfig replaces the whole Config. Zero fields take their defaults.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

func WithMaxBodyLength(n int) Option {
	return func(o *options) { o.config.MaxBodyLength = n }
}

func WithHistoryLimit(n int) Option {
	return func(o *options) { o.config.HistoryLimit = n }
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the clock used for provisional timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFailureHandler registers a callback invoked once for every failed send.
func WithFailureHandler(fn func(*SendFailure)) Option {
	return func(o *options) { o.onFailure = fn }
}
