/*
Package cache provides the Tier 1 (fast, short-lived) blob cache.

Tier 1 sits in front of the durable object-store tier and the origin PDS.
It is small and disposable: entries live for about an hour and may be
evicted at any time. Keys are canonical CID strings, so an entry is valid
for as long as it exists; the only question is how long to keep it.

# Implementations

	┌────────────────────────────────────────────┐
	│               blob.Service                 │
	└────────────────────────────────────────────┘
	                      │ cache.FastCache
	┌────────────────────────────────────────────┐
	│             MultiLevelCache                │
	│  ┌──────────────────────────────────────┐  │
	│  │  LRUCache (in-process, per replica)  │  │
	│  └──────────────────────────────────────┘  │
	│  ┌──────────────────────────────────────┐  │
	│  │  redis.Cache (shared across replicas)│  │
	│  └──────────────────────────────────────┘  │
	└────────────────────────────────────────────┘

LRUCache bounds total bytes and entry count and expires entries by TTL,
both lazily on read and in a background sweep. The redis subpackage stores
entries as Redis hashes with a key TTL. MultiLevelCache stacks any number
of FastCache implementations, promoting lower-level hits upward.

# Early Expiration

A hard TTL makes every reader of a popular entry miss at the same instant
and go to the origin together. Each implementation therefore consults an
EarlyExpiration on hits: once an entry's remaining lifetime drops below a
configurable fraction of its TTL, a weighted coin decides whether the hit
is also flagged EarlyFetch. The probability rises monotonically to 1 at
expiry. A flagged hit still returns valid data; the caller refreshes in the
background.

	early := cache.NewEarlyExpiration(cache.EarlyExpirationConfig{
		Beta:      1.0,
		Threshold: 0.2,
	}, nil)

	lru := cache.NewLRUCache(&cache.CacheConfig{
		MaxSize:    256 * 1024 * 1024,
		MaxEntries: 10000,
		TTL:        time.Hour,
	}, cache.WithEarlyExpiration(early))
	defer lru.Close()

	hit, ok, err := lru.Get(ctx, cidString)
	if err == nil && ok && hit.EarlyFetch {
		// serve hit.Data, schedule a refresh
	}
*/
package cache
