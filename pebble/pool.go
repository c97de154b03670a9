package pebble

import (
	"sync"
)

const (
	blake3DigestLength         = 32
	pooledKeyMaxCap            = 1 + blake3DigestLength
	pooledSliceCapGrowthFactor = 2
)

// pool leases keyers and keys bound to a single store, since keyers carry the
// store's hashing key.
type pool struct {
	keyerPool sync.Pool
	keyPool   sync.Pool
}

func newPool(hashKey []byte) *pool {
	var p pool
	p.keyPool.New = func() any {
		return &key{
			buf: make([]byte, 0, pooledKeyMaxCap),
			p:   &p,
		}
	}
	p.keyerPool.New = func() any {
		return newBlake3Keyer(blake3DigestLength, hashKey, &p)
	}
	return &p
}

func (p *pool) leaseKeyer() *blake3Keyer {
	return p.keyerPool.Get().(*blake3Keyer)
}

func (p *pool) leaseKey() *key {
	return p.keyPool.Get().(*key)
}
