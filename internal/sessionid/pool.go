// Package sessionid allocates the 16-bit session ids that double as a
// downstream miner's ExtraNonce1 once bound to an upstream.
package sessionid

import (
	"sync"

	"github.com/willf/bitset"
)

// MaxSessionID is the largest allocatable id. DO NOT CHANGE: downstream
// sessions encode this value into an 8-hex-nibble ExtraNonce1, and the
// ex-message wire format carries session ids as a 2-byte little-endian
// field.
const MaxSessionID = 0xFFFE

// poolSize is the number of distinct ids, [0, MaxSessionID].
const poolSize = MaxSessionID + 1

// Pool allocates and frees session ids from [0, MaxSessionID]. A Pool is
// safe for concurrent use; the proxy server calls Alloc and Free from
// its per-connection goroutines.
type Pool struct {
	mu    sync.Mutex
	bits  *bitset.BitSet
	count int
	// cursor is the next index alloc() starts scanning from. It only ever
	// advances (mod poolSize), so freed ids near it are preferred for
	// reuse without favoring low ids over high ones.
	cursor uint
}

// New returns an empty session id pool.
func New() *Pool {
	return &Pool{bits: bitset.New(poolSize)}
}

// Alloc returns an unused session id, or ok=false if the pool is full.
// Ids returned by successive calls need not be contiguous or minimal;
// only uniqueness is guaranteed. Bounded in time: a full pass over the
// bitset either finds a clear bit or reports the pool full.
func (p *Pool) Alloc() (id uint16, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count >= poolSize {
		return 0, false
	}

	start := p.cursor
	idx := start
	for {
		if !p.bits.Test(idx) {
			p.bits.Set(idx)
			p.count++
			p.cursor = (idx + 1) % poolSize
			return uint16(idx), true
		}
		idx = (idx + 1) % poolSize
		if idx == start {
			// Every bit tested and all were set: shouldn't happen given
			// the count check above, but don't spin forever if it does.
			return 0, false
		}
	}
}

// Free releases id back to the pool. Freeing an id that was not
// allocated is a caller bug; in that case Free panics so the bug is
// caught during development rather than silently corrupting the count.
func (p *Pool) Free(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := uint(id)
	if !p.bits.Test(idx) {
		panic("sessionid: Free of an id that was not allocated")
	}
	p.bits.Clear(idx)
	p.count--
}

// IsFull reports whether every id in [0, MaxSessionID] is allocated.
func (p *Pool) IsFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count >= poolSize
}

// Count returns the number of currently allocated ids.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}
