package pebble

import (
	"io"

	"lukechampine.com/blake3"
)

var (
	_ io.Closer = (*blake3Keyer)(nil)
	_ io.Closer = (*key)(nil)
)

type (
	keyPrefix byte
	key       struct {
		buf []byte
		p   *pool
	}
	blake3Keyer struct {
		hasher *blake3.Hasher
		p      *pool
	}
)

const (
	// unknownKeyPrefix signals an unknown key prefix.
	unknownKeyPrefix keyPrefix = iota //lint:ignore U1000 - iota
	// metaKeyPrefix prefixes the single record holding the password salt and
	// verifier.
	metaKeyPrefix
	// studyKeyPrefix prefixes the keyed hash of a study instance UID.
	studyKeyPrefix
)

func (k *key) append(b ...byte) {
	k.buf = append(k.buf, b...)
}

func (k *key) maybeGrow(n int) {
	l := len(k.buf)
	switch {
	case n <= cap(k.buf)-l:
	case l == 0:
		k.buf = make([]byte, 0, n*pooledSliceCapGrowthFactor)
	default:
		k.buf = append(make([]byte, 0, (l+n)*pooledSliceCapGrowthFactor), k.buf...)
	}
}

// stripe picks a lock stripe from the hashed portion of the key.
func (k *key) stripe(n int) int {
	return int(k.buf[len(k.buf)-1]) % n
}

func (k *key) Close() error {
	if cap(k.buf) <= pooledKeyMaxCap {
		k.buf = k.buf[:0]
		k.p.keyPool.Put(k)
	}
	return nil
}

func newBlake3Keyer(l int, hashKey []byte, p *pool) *blake3Keyer {
	return &blake3Keyer{
		hasher: blake3.New(l, hashKey),
		p:      p,
	}
}

// studyKey returns the key by which a study's key record is identified. The
// study UID is hashed under the store's hashing key so that identifiers never
// appear on disk.
func (b *blake3Keyer) studyKey(studyUID string) (*key, error) {
	b.hasher.Reset()
	if _, err := b.hasher.Write([]byte(studyUID)); err != nil {
		return nil, err
	}
	sum := b.hasher.Sum([]byte{byte(studyKeyPrefix)})
	sk := b.p.leaseKey()
	sk.maybeGrow(len(sum))
	sk.append(sum...)
	return sk, nil
}

func metaKey() []byte {
	return []byte{byte(metaKeyPrefix)}
}

func (b *blake3Keyer) Close() error {
	b.p.keyerPool.Put(b)
	return nil
}
