package correlate

import (
	"sync"
	"time"
)

// NonceGen hands out request nonces. A nonce is the current Unix time in
// milliseconds, bumped past the previous nonce when the clock has not moved
// on, so nonces are strictly increasing within a process.
type NonceGen struct {
	mu   sync.Mutex
	last uint64
	now  func() time.Time
}

// NewNonceGen returns a generator that reads the wall clock.
func NewNonceGen() *NonceGen {
	return &NonceGen{now: time.Now}
}

// Next returns the next nonce.
func (g *NonceGen) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := uint64(g.now().UnixMilli())
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	return n
}

// Observe makes later nonces larger than n. Used after a restart so that
// nonces of persisted requests are never handed out again.
func (g *NonceGen) Observe(n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.last {
		g.last = n
	}
}
