package store

import (
	"encoding/binary"
	"time"
)

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixFetcherState = "fs|"  // fs|{account}
	PrefixEntity       = "e|"   // e|{account}\x00{height:8BE}{id}
	PrefixEntityID     = "ei|"  // ei|{id} => entity key
	PrefixEntityTime   = "et|"  // et|{account}\x00{ts_ns:8BE}{id}
	PrefixWork         = "pw|"  // pw|{queue}\x00{id}
	PrefixWorkTime     = "pwt|" // pwt|{queue}\x00{time_ns:8BE}{id}
	PrefixRequest      = "rq|"  // rq|{nonce:8BE}
	PrefixResponse     = "rs|"  // rs|{nonce:8BE}{id}
	PrefixItemError    = "rse|" // rse|{nonce:8BE}{id}
)

const sep = '\x00'

// PutUint64BE appends a big-endian uint64 to dst (8 bytes).
func PutUint64BE(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint64BE reads a big-endian uint64 from b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// timeNs encodes t as an order-preserving unsigned integer. Times before
// the Unix epoch clamp to zero.
func timeNs(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}

// FetcherStateKey returns the key of an account's fetcher state: fs|{account}
func FetcherStateKey(account string) []byte {
	return append([]byte(PrefixFetcherState), account...)
}

// EntityKey returns the primary key of an entity: e|{account}\x00{height:8BE}{id}
func EntityKey(account string, height uint64, id string) []byte {
	k := EntityPrefix(account)
	k = PutUint64BE(k, height)
	return append(k, id...)
}

// EntityPrefix returns the scan prefix for an account's entities: e|{account}\x00
func EntityPrefix(account string) []byte {
	k := append([]byte(PrefixEntity), account...)
	return append(k, sep)
}

// EntityIDKey returns the id lookup key of an entity: ei|{id}
func EntityIDKey(id string) []byte {
	return append([]byte(PrefixEntityID), id...)
}

// EntityTimeKey returns the timestamp index key: et|{account}\x00{ts_ns:8BE}{id}
func EntityTimeKey(account string, ts time.Time, id string) []byte {
	k := EntityTimePrefix(account)
	k = PutUint64BE(k, timeNs(ts))
	return append(k, id...)
}

// EntityTimePrefix returns the scan prefix for an account's timestamp index.
func EntityTimePrefix(account string) []byte {
	k := append([]byte(PrefixEntityTime), account...)
	return append(k, sep)
}

// WorkKey returns the key of a queued work row: pw|{queue}\x00{id}
func WorkKey(queue, id string) []byte {
	k := WorkPrefix(queue)
	return append(k, id...)
}

// WorkPrefix returns the scan prefix for all rows of a queue: pw|{queue}\x00
func WorkPrefix(queue string) []byte {
	k := append([]byte(PrefixWork), queue...)
	return append(k, sep)
}

// WorkTimeKey returns the age index key of a row: pwt|{queue}\x00{time_ns:8BE}{id}
// Sort order: time ASC, then id.
func WorkTimeKey(queue string, t time.Time, id string) []byte {
	k := WorkTimePrefix(queue)
	k = PutUint64BE(k, timeNs(t))
	return append(k, id...)
}

// WorkTimePrefix returns the scan prefix for a queue's age index.
func WorkTimePrefix(queue string) []byte {
	k := append([]byte(PrefixWorkTime), queue...)
	return append(k, sep)
}

// RequestKey returns the key of a correlation request: rq|{nonce:8BE}
func RequestKey(nonce uint64) []byte {
	return PutUint64BE([]byte(PrefixRequest), nonce)
}

// ResponseKey returns the key of an entity accumulated for a nonce.
func ResponseKey(nonce uint64, id string) []byte {
	return append(ResponsePrefix(nonce), id...)
}

// ResponsePrefix returns the scan prefix for a nonce's accumulated entities.
func ResponsePrefix(nonce uint64) []byte {
	return PutUint64BE([]byte(PrefixResponse), nonce)
}

// ItemErrorKey returns the key of a per-item failure recorded for a nonce.
func ItemErrorKey(nonce uint64, id string) []byte {
	return append(ItemErrorPrefix(nonce), id...)
}

// ItemErrorPrefix returns the scan prefix for a nonce's item failures.
func ItemErrorPrefix(nonce uint64) []byte {
	return PutUint64BE([]byte(PrefixItemError), nonce)
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
