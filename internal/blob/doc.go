/*
Package blob serves content-addressed blobs through a read-through cache.

# Pipeline

A request names an owner DID and a CID. Concurrent requests for one CID are
collapsed into a single computation that walks the tiers in order:

	Tier 1 (fast)  ──hit──▶ return (early hit also queues a background refresh)
	      │ miss
	Tier 2 (durable) ─hit──▶ back-fill Tier 1, return
	      │ miss
	resolve owner endpoint ─▶ fetch under retry + per-origin breaker
	      │
	verify digest against CID ──mismatch──▶ INTEGRITY_MISMATCH, nothing cached
	      │ ok
	write Tier 2, then Tier 1 ─▶ return

Tier failures are logged and treated as misses; they never fail a request
that the origin can still satisfy. Origin failures are typed (BLOB_NOT_FOUND,
ORIGIN_UNAVAILABLE, IDENTITY_RESOLUTION, BLOB_TOO_LARGE) and never fall back
to another origin.

# Background refresh

An early-expiry hit from Tier 1 is served immediately and a refresh is
submitted to a RefreshPool: a fixed set of workers behind a bounded queue.
Submissions never block; overflow is dropped with a warning and a key that
is already pending is not queued twice. Service.Close drains the pool.

# URLs and proxying

GetBlobURL hands clients either the public Tier 2 URL, for blobs already
cached, or the origin's own getBlob URL. ProxyBlob wraps GetBlob for handlers
that stream bytes back themselves.
*/
package blob
