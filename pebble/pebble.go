package pebble

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/dcmshare/dcmrelay"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/crypto/scrypt"
	"lukechampine.com/blake3"
)

var (
	logger = logging.Logger("dcmrelay/pebble")

	_ dcmrelay.KeyStore = (*PebbleKeyStore)(nil)

	ErrWrongPassword = errors.New("key store password is incorrect")
	ErrEmptyPassword = errors.New("key store password must not be empty")
)

const (
	saltSize    = 16
	lockStripes = 64

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	verifierPlaintext = "dcmrelay key store v1"

	sealContext = "dcmrelay key store 2024 record sealing"
	hashContext = "dcmrelay key store 2024 record addressing"
)

// PebbleKeyStore persists study keys in Pebble. A key-encryption key is
// derived from the store password, and from it two independent subkeys: one
// seals every record, the other addresses records by a keyed hash of the
// study UID.
type PebbleKeyStore struct {
	db      *pebble.DB
	sealKey dcmrelay.StudyKey
	hashKey dcmrelay.StudyKey
	p       *pool
	locks   [lockStripes]sync.Mutex
	closed  bool
}

// NewPebbleKeyStore opens or creates a key store at path, unlocking it with
// password. Opening an existing store with a different password fails with
// ErrWrongPassword.
func NewPebbleKeyStore(path, password string, opts *pebble.Options) (*PebbleKeyStore, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if opts == nil {
		opts = &pebble.Options{}
	}
	opts.EnsureDefaults()
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, dcmrelay.ErrKeyStore{Op: "open", Err: err}
	}
	s := &PebbleKeyStore{db: db}
	if err := s.unlock(password); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.p = newPool(s.hashKey[:])
	return s, nil
}

func (s *PebbleKeyStore) unlock(password string) error {
	rec, closer, err := s.db.Get(metaKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return s.initialize(password)
	}
	if err != nil {
		return dcmrelay.ErrKeyStore{Op: "unlock", Err: err}
	}
	rec = bytes.Clone(rec)
	_ = closer.Close()

	if len(rec) < saltSize {
		return dcmrelay.ErrKeyStore{Op: "unlock", Err: errors.New("meta record is truncated")}
	}
	if err := s.deriveKEK(password, rec[:saltSize]); err != nil {
		return err
	}
	verifier, err := dcmrelay.Decrypt(rec[saltSize:], s.sealKey[:])
	if err != nil || string(verifier) != verifierPlaintext {
		return ErrWrongPassword
	}
	return nil
}

func (s *PebbleKeyStore) initialize(password string) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	if err := s.deriveKEK(password, salt); err != nil {
		return err
	}
	verifier, err := dcmrelay.Encrypt([]byte(verifierPlaintext), s.sealKey[:])
	if err != nil {
		return err
	}
	if err := s.db.Set(metaKey(), append(salt, verifier...), pebble.Sync); err != nil {
		return dcmrelay.ErrKeyStore{Op: "initialize", Err: err}
	}
	logger.Info("Initialized new key store")
	return nil
}

func (s *PebbleKeyStore) deriveKEK(password string, salt []byte) error {
	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, dcmrelay.StudyKeySize)
	if err != nil {
		return dcmrelay.ErrKeyStore{Op: "derive", Err: err}
	}
	blake3.DeriveKey(s.sealKey[:], sealContext, dk)
	blake3.DeriveKey(s.hashKey[:], hashContext, dk)
	return nil
}

// GetOrCreate returns the key of studyUID, generating and durably persisting
// one if absent. Concurrent callers for the same study observe the same key
// and exactly one of them sees created set.
func (s *PebbleKeyStore) GetOrCreate(ctx context.Context, studyUID string) (dcmrelay.StudyKey, bool, error) {
	var sk dcmrelay.StudyKey
	if err := ctx.Err(); err != nil {
		return sk, false, err
	}
	keygen := s.p.leaseKeyer()
	defer keygen.Close()
	k, err := keygen.studyKey(studyUID)
	if err != nil {
		return sk, false, dcmrelay.ErrKeyStore{Op: "hash", Err: err}
	}
	defer k.Close()

	mu := &s.locks[k.stripe(lockStripes)]
	mu.Lock()
	defer mu.Unlock()

	sk, found, err := s.get(k.buf)
	if err != nil || found {
		return sk, false, err
	}

	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return sk, false, dcmrelay.ErrKeyStore{Op: "generate", Err: err}
	}
	sealed, err := dcmrelay.Encrypt([]byte(sk.Hex()), s.sealKey[:])
	if err != nil {
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "seal", Err: err}
	}
	if err := s.db.Set(k.buf, sealed, pebble.Sync); err != nil {
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "put", Err: err}
	}
	logger.Debug("Generated study key")
	return sk, true, nil
}

// Get returns the key of studyUID if one was ever created. It never creates
// a key.
func (s *PebbleKeyStore) Get(ctx context.Context, studyUID string) (dcmrelay.StudyKey, bool, error) {
	if err := ctx.Err(); err != nil {
		return dcmrelay.StudyKey{}, false, err
	}
	keygen := s.p.leaseKeyer()
	defer keygen.Close()
	k, err := keygen.studyKey(studyUID)
	if err != nil {
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "hash", Err: err}
	}
	defer k.Close()
	return s.get(k.buf)
}

func (s *PebbleKeyStore) get(k []byte) (dcmrelay.StudyKey, bool, error) {
	v, closer, err := s.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return dcmrelay.StudyKey{}, false, nil
		}
		logger.Debugw("failed to read study key", "err", err)
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "get", Err: err}
	}
	defer closer.Close()
	hexKey, err := dcmrelay.Decrypt(v, s.sealKey[:])
	if err != nil {
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "unseal", Err: err}
	}
	sk, err := dcmrelay.ParseStudyKey(string(hexKey))
	if err != nil {
		return dcmrelay.StudyKey{}, false, dcmrelay.ErrKeyStore{Op: "decode", Err: err}
	}
	return sk, true, nil
}

func (s *PebbleKeyStore) Size() (int64, error) {
	sizeEstimate, err := s.db.EstimateDiskUsage([]byte{0}, []byte{0xff})
	return int64(sizeEstimate), err
}

func (s *PebbleKeyStore) Flush() error {
	return s.db.Flush()
}

func (s *PebbleKeyStore) Close() error {
	if s.closed {
		return nil
	}
	ferr := s.db.Flush()
	cerr := s.db.Close()
	s.closed = true
	// Prioritise on returning close errors over flush errors, since it is more likely to contain
	// useful information about the failure root cause.
	if cerr != nil {
		return cerr
	}
	return ferr
}

func (s *PebbleKeyStore) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}
