package scu

import (
	"fmt"
	"time"

	"github.com/dcmshare/dcmrelay/metrics"
	"github.com/dcmshare/dcmrelay/ul"
)

type config struct {
	callingAETitle string
	maxPDULength   uint32
	timeout        time.Duration
	metrics        *metrics.Metrics
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		callingAETitle: "DCMRELAY",
		maxPDULength:   ul.DefaultMaxPDULength,
		timeout:        time.Minute,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithCallingAETitle sets the AE title the sender identifies itself with.
func WithCallingAETitle(title string) Option {
	return func(c *config) error {
		if title == "" || len(title) > 16 {
			return fmt.Errorf("AE title must be 1 to 16 characters, got %q", title)
		}
		c.callingAETitle = title
		return nil
	}
}

// WithMaxPDULength sets the largest PDU the sender is willing to receive.
func WithMaxPDULength(n uint32) Option {
	return func(c *config) error {
		c.maxPDULength = n
		return nil
	}
}

// WithTimeout sets the per-PDU read and write timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		c.timeout = d
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}
