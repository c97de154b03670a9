package scp

import (
	"bytes"
	"sync"
)

const (
	pooledBufferInitialCap = 64 << 10 // 64 KiB
	pooledBufferMaxCap     = 16 << 20 // 16 MiB
)

// pool recycles the fragment buffers sessions accumulate commands and data
// sets into. Buffers that grew past pooledBufferMaxCap are left to the GC.
type pool struct {
	buffers sync.Pool
}

func newPool() *pool {
	var p pool
	p.buffers.New = func() any {
		return bytes.NewBuffer(make([]byte, 0, pooledBufferInitialCap))
	}
	return &p
}

func (p *pool) leaseBuffer() *bytes.Buffer {
	return p.buffers.Get().(*bytes.Buffer)
}

func (p *pool) returnBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > pooledBufferMaxCap {
		return
	}
	b.Reset()
	p.buffers.Put(b)
}
