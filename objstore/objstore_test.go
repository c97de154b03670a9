package objstore_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcmshare/dcmrelay"
	"github.com/dcmshare/dcmrelay/config"
	"github.com/dcmshare/dcmrelay/objstore"
	"github.com/stretchr/testify/require"
)

func TestDirStore_PutListGet(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewDirStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "aa/01", []byte("one")))
	require.NoError(t, store.Put(ctx, "aa/02", []byte("two")))
	require.NoError(t, store.Put(ctx, "bb/01", []byte("other study")))
	require.NoError(t, store.Put(ctx, "aa/01", []byte("one again")))

	names, err := store.List(ctx, "aa/")
	require.NoError(t, err)
	require.Equal(t, []string{"aa/01", "aa/02"}, names)

	names, err = store.List(ctx, "cc/")
	require.NoError(t, err)
	require.Empty(t, names)

	got, err := store.Get(ctx, "aa/01")
	require.NoError(t, err)
	require.Equal(t, []byte("one again"), got)

	_, err = store.Get(ctx, "aa/03")
	require.ErrorIs(t, err, objstore.ErrNotFound)
	var se dcmrelay.ErrStorage
	require.True(t, errors.As(err, &se))
	require.Equal(t, "get", se.Op)
}

func TestDirStore_InvalidNames(t *testing.T) {
	store, err := objstore.NewDirStore(t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", "/abs", "../escape", "aa/../../x", "aa//b", "aa/./b"} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, store.Put(context.Background(), name, []byte("x")), objstore.ErrInvalidName)
			_, err := store.Get(context.Background(), name)
			require.ErrorIs(t, err, objstore.ErrInvalidName)
		})
	}
}

type flakyStore struct {
	dcmrelay.ObjectStore
	failures int32
	calls    atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, name string, data []byte) error {
	if f.calls.Add(1) <= f.failures {
		return dcmrelay.ErrStorage{Op: "put", Name: name, Err: errors.New("connection reset")}
	}
	return f.ObjectStore.Put(ctx, name, data)
}

func (f *flakyStore) Get(ctx context.Context, name string) ([]byte, error) {
	f.calls.Add(1)
	return f.ObjectStore.Get(ctx, name)
}

func TestRetrying(t *testing.T) {
	policy := objstore.RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
	tests := []struct {
		name      string
		failures  int32
		wantErr   bool
		wantCalls int32
	}{
		{name: "first attempt", failures: 0, wantCalls: 1},
		{name: "recovers", failures: 2, wantCalls: 3},
		{name: "gives up", failures: 5, wantErr: true, wantCalls: 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dir, err := objstore.NewDirStore(t.TempDir())
			require.NoError(t, err)
			flaky := &flakyStore{ObjectStore: dir, failures: test.failures}
			err = objstore.WithRetry(flaky, policy).Put(context.Background(), "aa/01", []byte("x"))
			if test.wantErr {
				require.ErrorContains(t, err, "connection reset")
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, test.wantCalls, flaky.calls.Load())
		})
	}
}

func TestRetrying_NotFoundIsPermanent(t *testing.T) {
	dir, err := objstore.NewDirStore(t.TempDir())
	require.NoError(t, err)
	flaky := &flakyStore{ObjectStore: dir}
	_, err = objstore.WithRetry(flaky, objstore.RetryPolicy{Attempts: 5, Initial: time.Millisecond}).
		Get(context.Background(), "aa/01")
	require.ErrorIs(t, err, objstore.ErrNotFound)
	require.Equal(t, int32(1), flaky.calls.Load())
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Dir = t.TempDir()
	store, err := objstore.Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "aa/01", []byte("x")))

	cfg.Backend = "ftp"
	_, err = objstore.Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewAzureStore_RejectsMalformedKey(t *testing.T) {
	_, err := objstore.NewAzureStore(config.Azure{Account: "acct", AccountKey: "%%% not base64", Container: "studies"})
	require.Error(t, err)
}
