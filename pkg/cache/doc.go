// Package cache keeps materialized responses in Redis so that a process
// other than the one that served a request can pick the response up by
// nonce.
//
// Entries expire on their own; the TTL is set when the response is stored
// and can be extended with Touch.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, cache.Config{TTL: time.Hour})
//
//	// Plug into the correlator; every finished request is stored.
//	correlator.SetResponseStore(manager)
//
//	// Elsewhere:
//	res, err := manager.Get(ctx, nonce)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// never stored or already expired
//	}
package cache
