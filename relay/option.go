package relay

import (
	"fmt"
	"time"

	"github.com/dcmshare/dcmrelay/metrics"
)

// config contains all options for the ingester and the fetcher.
type config struct {
	workers       int
	queueSize     int
	announceDelay time.Duration
	metrics       *metrics.Metrics
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		workers:   4,
		queueSize: 64,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithWorkers sets the number of goroutines draining the queue.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("workers must be at least 1, got %d", n)
		}
		c.workers = n
		return nil
	}
}

// WithQueueSize bounds the queue. Enqueue blocks while it is full.
func WithQueueSize(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("queue size must be at least 1, got %d", n)
		}
		c.queueSize = n
		return nil
	}
}

// WithAnnounceDelay coalesces the announcements of a study until no instance
// of it has been ingested for d. Zero, the default, announces every instance.
func WithAnnounceDelay(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("announce delay must not be negative, got %s", d)
		}
		c.announceDelay = d
		return nil
	}
}

// WithMetrics configures metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}
