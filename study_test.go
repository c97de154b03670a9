package dcmrelay_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dcmshare/dcmrelay"
	"github.com/stretchr/testify/require"
)

type mapKeyStore struct {
	mu   sync.Mutex
	keys map[string]dcmrelay.StudyKey
	err  error
}

func (m *mapKeyStore) GetOrCreate(_ context.Context, uid string) (dcmrelay.StudyKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return dcmrelay.StudyKey{}, false, m.err
	}
	if k, ok := m.keys[uid]; ok {
		return k, false, nil
	}
	var k dcmrelay.StudyKey
	copy(k[:], strings.Repeat(uid, 32))
	if m.keys == nil {
		m.keys = make(map[string]dcmrelay.StudyKey)
	}
	m.keys[uid] = k
	return k, true, nil
}

func (m *mapKeyStore) Get(_ context.Context, uid string) (dcmrelay.StudyKey, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[uid]
	return k, ok, m.err
}

func (m *mapKeyStore) Close() error { return nil }

func TestNewStudy(t *testing.T) {
	ks := &mapKeyStore{}
	ctx := context.Background()

	first, err := dcmrelay.NewStudy(ctx, ks, dcmrelay.StudyMetadata{StudyInstanceUID: "1.2.3\x00", PatientID: "P1"})
	require.NoError(t, err)
	require.True(t, first.Created())
	require.Equal(t, "1.2.3", first.UID())
	require.Equal(t, dcmrelay.DeriveID(first.Key(), "1.2.3"), first.Hash())
	require.Equal(t, "P1", first.Metadata().PatientID)
	require.Equal(t, "N/A", first.Metadata().PatientName)

	second, err := dcmrelay.NewStudy(ctx, ks, dcmrelay.StudyMetadata{StudyInstanceUID: "1.2.3"})
	require.NoError(t, err)
	require.False(t, second.Created())
	require.Equal(t, first.Key(), second.Key())
	require.Equal(t, first.ObjectPath("1.2.3.4"), second.ObjectPath("1.2.3.4 "))
	require.Equal(t, dcmrelay.ObjectPath(first.Key(), "1.2.3", "1.2.3.4"), first.ObjectPath("1.2.3.4"))
}

func TestStudy_WithMetadata(t *testing.T) {
	ctx := context.Background()
	ks := &mapKeyStore{}
	created, err := dcmrelay.NewStudy(ctx, ks, dcmrelay.StudyMetadata{StudyInstanceUID: "1.2.3", PatientID: "P1"})
	require.NoError(t, err)
	looked, err := dcmrelay.LookupStudy(ctx, ks, "1.2.3")
	require.NoError(t, err)
	require.Equal(t, "N/A", looked.Metadata().PatientID)

	got := looked.WithMetadata(dcmrelay.StudyMetadata{StudyInstanceUID: "9.9.9", PatientID: "P1", StudyDate: "20240101"})
	require.Equal(t, "1.2.3", got.UID())
	require.Equal(t, created.Hash(), got.Hash())
	require.Equal(t, created.Key(), got.Key())
	require.Equal(t, "P1", got.Notification().PatientID)
	require.Equal(t, "20240101", got.Notification().StudyDate)
	require.Equal(t, "N/A", got.Notification().PatientName)
	// The receiver is left untouched.
	require.Equal(t, "N/A", looked.Metadata().PatientID)
}

func TestNewStudy_Failures(t *testing.T) {
	_, err := dcmrelay.NewStudy(context.Background(), &mapKeyStore{}, dcmrelay.StudyMetadata{StudyInstanceUID: " \x00"})
	require.ErrorIs(t, err, dcmrelay.ErrMissingStudyUID)

	boom := dcmrelay.ErrKeyStore{Op: "get", Err: errors.New("disk on fire")}
	_, err = dcmrelay.NewStudy(context.Background(), &mapKeyStore{err: boom}, dcmrelay.StudyMetadata{StudyInstanceUID: "1.2.3"})
	require.IsType(t, dcmrelay.ErrKeyStore{}, err)
}

func TestLookupStudy(t *testing.T) {
	ks := &mapKeyStore{}
	ctx := context.Background()

	_, err := dcmrelay.LookupStudy(ctx, ks, "1.2.3")
	require.ErrorIs(t, err, dcmrelay.ErrUnknownStudy)
	require.Empty(t, ks.keys)

	created, err := dcmrelay.NewStudy(ctx, ks, dcmrelay.StudyMetadata{StudyInstanceUID: "1.2.3"})
	require.NoError(t, err)
	found, err := dcmrelay.LookupStudy(ctx, ks, "1.2.3")
	require.NoError(t, err)
	require.Equal(t, created.Ref(), found.Ref())
	require.False(t, found.Created())
}

func TestValidUID(t *testing.T) {
	tests := []struct {
		uid  string
		want bool
	}{
		{uid: "1.2.840.10008.5.1.4.1.1.2", want: true},
		{uid: "", want: false},
		{uid: "../etc/passwd", want: false},
		{uid: ".1.2", want: false},
		{uid: "1.2/3", want: false},
		{uid: strings.Repeat("1", 65), want: false},
	}
	for _, test := range tests {
		t.Run(test.uid, func(t *testing.T) {
			require.Equal(t, test.want, dcmrelay.ValidUID(test.uid))
		})
	}
}
