// Package objstore holds the encrypted-object backends the relay uploads to
// and fetches from.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/config"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dcmrelay/objstore")

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidName = errors.New("object name must be relative and must not contain empty or dot segments")
)

// Open builds the configured backend wrapped in the configured retry policy.
func Open(ctx context.Context, cfg config.Storage) (dcmrelay.ObjectStore, error) {
	var (
		store dcmrelay.ObjectStore
		err   error
	)
	switch cfg.Backend {
	case config.BackendDir:
		store, err = NewDirStore(cfg.Dir)
	case config.BackendS3:
		store, err = NewS3Store(ctx, cfg.S3)
	case config.BackendAzure:
		store, err = NewAzureStore(cfg.Azure)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Infow("Object store opened", "backend", cfg.Backend, "retries", cfg.Retries)
	return WithRetry(store, RetryPolicy{
		Attempts: cfg.Retries,
		Initial:  cfg.RetryInitial.Duration,
		Max:      cfg.RetryMax.Duration,
	}), nil
}

// checkName rejects names that could escape a prefix once mapped onto a
// file system or a flat key space.
func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return ErrInvalidName
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidName
		}
	}
	return nil
}
