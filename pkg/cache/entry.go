package cache

import (
	"time"

	"github.com/Sternrassler/chainfetch/pkg/correlate"
)

// Entry represents a cached response.
type Entry struct {
	// Result is the materialized response.
	Result correlate.Result `json:"result"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// CachedAt is when the response was stored.
	CachedAt time.Time `json:"cached_at"`

	// Origin identifies the process that stored the entry.
	Origin string `json:"origin,omitempty"`
}

func newEntry(res correlate.Result, origin string, now time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Result:   res,
		Expires:  now.Add(ttl),
		CachedAt: now,
		Origin:   origin,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e *Entry) expiredAt(now time.Time) bool {
	return now.After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	return e.ttlAt(time.Now())
}

func (e *Entry) ttlAt(now time.Time) time.Duration {
	return max(e.Expires.Sub(now), 0)
}
