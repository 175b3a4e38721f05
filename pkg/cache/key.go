package cache

import (
	"strconv"
	"strings"
)

// DefaultNamespace prefixes all keys written by a Manager.
const DefaultNamespace = "chainfetch"

// Key identifies a cached response.
type Key struct {
	// Namespace separates deployments sharing one Redis.
	Namespace string

	// Nonce is the request nonce.
	Nonce uint64
}

// String generates a deterministic cache key string.
// Format: namespace:response:nonce
//
// Example:
//
//	chainfetch:response:1700000000000
func (k Key) String() string {
	ns := strings.Trim(k.Namespace, ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	return ns + ":response:" + strconv.FormatUint(k.Nonce, 10)
}
