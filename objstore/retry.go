package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dcmshare/dcmrelay"
)

// RetryPolicy bounds the exponential backoff applied to every store call.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Retrying retries failed calls of the wrapped store. Missing objects and
// invalid names are not retried.
type Retrying struct {
	store  dcmrelay.ObjectStore
	policy RetryPolicy
}

var _ dcmrelay.ObjectStore = (*Retrying)(nil)

func WithRetry(store dcmrelay.ObjectStore, policy RetryPolicy) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Retrying{store: store, policy: policy}
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.policy.Initial > 0 {
		b.InitialInterval = r.policy.Initial
	}
	if r.policy.Max > 0 {
		b.MaxInterval = r.policy.Max
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.Attempts-1)), ctx)
}

func (r *Retrying) do(ctx context.Context, op, name string, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName) {
			return backoff.Permanent(err)
		}
		return err
	}, r.backOff(ctx), func(err error, wait time.Duration) {
		log.Warnw("Object store call failed; retrying", "op", op, "name", name, "wait", wait, "err", err)
	})
}

func (r *Retrying) Put(ctx context.Context, name string, data []byte) error {
	return r.do(ctx, "put", name, func() error {
		return r.store.Put(ctx, name, data)
	})
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		names, err = r.store.List(ctx, prefix)
		return err
	})
	return names, err
}

func (r *Retrying) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", name, func() error {
		var err error
		data, err = r.store.Get(ctx, name)
		return err
	})
	return data, err
}
