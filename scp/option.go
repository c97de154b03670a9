package scp

import (
	"fmt"
	"time"

	"github.com/dcmshare/dcmrelay/metrics"
	"github.com/dcmshare/dcmrelay/ul"
)

// config contains all options for the server.
type config struct {
	aeTitle              string
	requireCalledAETitle bool
	abstractSyntaxes     []string
	transferSyntaxes     []string
	maxPDULength         uint32
	maxSessions          int
	maxInstanceSize      int64
	timeout              time.Duration
	metrics              *metrics.Metrics
}

// DefaultMaxInstanceSize is the largest data set accepted unless configured
// otherwise.
const DefaultMaxInstanceSize int64 = 2 << 30

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		aeTitle:         "DCMRELAY",
		maxPDULength:    ul.DefaultMaxPDULength,
		maxSessions:     16,
		maxInstanceSize: DefaultMaxInstanceSize,
		timeout:         2 * time.Minute,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithAETitle sets the AE title the server answers to.
func WithAETitle(title string) Option {
	return func(c *config) error {
		if title == "" || len(title) > 16 {
			return fmt.Errorf("AE title must be 1 to 16 characters, got %q", title)
		}
		c.aeTitle = title
		return nil
	}
}

// WithRequireCalledAETitle rejects associations addressed to another AE
// title. Default is false.
func WithRequireCalledAETitle(on bool) Option {
	return func(c *config) error {
		c.requireCalledAETitle = on
		return nil
	}
}

// WithAbstractSyntaxes restricts the accepted SOP classes. An empty list,
// the default, accepts any.
func WithAbstractSyntaxes(uids ...string) Option {
	return func(c *config) error {
		c.abstractSyntaxes = uids
		return nil
	}
}

// WithTransferSyntaxes restricts the accepted transfer syntaxes. An empty
// list, the default, accepts any well-formed one, compressed syntaxes
// included: data sets are relayed as received and never decoded.
func WithTransferSyntaxes(uids ...string) Option {
	return func(c *config) error {
		c.transferSyntaxes = uids
		return nil
	}
}

// WithMaxInstanceSize bounds the data set of a single instance. A sender
// exceeding it has its association aborted.
func WithMaxInstanceSize(n int64) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max instance size must be positive, got %d", n)
		}
		c.maxInstanceSize = n
		return nil
	}
}

// WithMaxPDULength sets the largest PDU the server accepts.
func WithMaxPDULength(n uint32) Option {
	return func(c *config) error {
		c.maxPDULength = n
		return nil
	}
}

// WithMaxSessions bounds the number of concurrent associations.
func WithMaxSessions(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max sessions must be at least 1, got %d", n)
		}
		c.maxSessions = n
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

// WithMetrics configures metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}
