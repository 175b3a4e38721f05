package client

import (
	"strings"
	"sync/atomic"
)

// Pool hands out endpoints in round-robin order. A Pool is built once at
// startup and injected into the components that need it.
type Pool struct {
	endpoints []string
	next      atomic.Uint64
}

// NewPool creates a pool over endpoints. Trailing slashes are trimmed.
func NewPool(endpoints []string) (*Pool, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e != "" {
			cleaned = append(cleaned, e)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoEndpoints
	}
	return &Pool{endpoints: cleaned}, nil
}

// Next returns the next endpoint.
func (p *Pool) Next() string {
	n := p.next.Add(1) - 1
	return p.endpoints[n%uint64(len(p.endpoints))]
}

// Len returns the number of endpoints.
func (p *Pool) Len() int {
	return len(p.endpoints)
}
