package encoder

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// payloadPool recycles byte slices for frames the drain worker has to copy
// (key frames with the codec config prepended). Slices are bucketed by
// power-of-two capacity.
type payloadPool struct {
	maxSize int

	mu    sync.RWMutex
	pools map[int]*sync.Pool

	hits      atomic.Uint64
	misses    atomic.Uint64
	allocated atomic.Uint64
}

func newPayloadPool(maxSize int) *payloadPool {
	return &payloadPool{maxSize: maxSize, pools: make(map[int]*sync.Pool)}
}

func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (p *payloadPool) bucket(size int) *sync.Pool {
	p.mu.RLock()
	pool, ok := p.pools[size]
	p.mu.RUnlock()
	if ok {
		return pool
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok = p.pools[size]; !ok {
		pool = &sync.Pool{New: func() any {
			p.allocated.Add(1)
			b := make([]byte, size)
			return &b
		}}
		p.pools[size] = pool
	}
	return pool
}

// get returns a slice of length size. Sizes above maxSize are not pooled.
func (p *payloadPool) get(size int) []byte {
	if size <= 0 {
		return nil
	}
	poolSize := roundUpPowerOf2(size)
	if poolSize > p.maxSize {
		p.misses.Add(1)
		return make([]byte, size)
	}
	bp := p.bucket(poolSize).Get().(*[]byte)
	p.hits.Add(1)
	return (*bp)[:size]
}

// put returns buf to its bucket. The caller must not touch buf afterwards.
func (p *payloadPool) put(buf []byte) {
	c := cap(buf)
	if c == 0 || c > p.maxSize || c != roundUpPowerOf2(c) {
		return
	}
	buf = buf[:c]
	p.bucket(c).Put(&buf)
}
