/*
Package adapter assembles the blobcache daemon from its configuration.

The Adapter owns every long-lived component and their lifecycle:

	┌──────────────────────────────────────────────┐
	│                 blob.Service                 │
	│  coalescing · tier walk · verify · refresh   │
	└──────────────────────────────────────────────┘
	     │             │              │         │
	┌────┴─────┐ ┌─────┴──────┐ ┌─────┴─────┐ ┌─┴───────┐
	│ Tier 1   │ │ Tier 2     │ │ Origin    │ │ Metrics │
	│ LRU      │ │ S3 durable │ │ DID + PDS │ │ /metrics│
	│ (+Redis) │ │ cache      │ │ resilience│ │ /health │
	└──────────┘ └────────────┘ └───────────┘ └─────────┘

# Assembly

New validates the configuration and builds, in order:

 1. the Prometheus collector
 2. Tier 1: the in-process LRU, stacked in front of Redis when
    fast_cache.driver is "redis" (both levels share one early expiration
    decider)
 3. Tier 2: the S3 durable cache
 4. the DID resolver, endpoint cache and PDS client
 5. the resilience policy, whose breaker transitions feed the
    breaker_state gauge
 6. the blob service

Health checks for the bucket and, when configured, Redis are registered on
the collector's /health endpoint.

# Lifecycle

Start serves metrics and health. Stop drains pending background refreshes,
shuts the metrics server down and closes cache connections it opened.
Clients injected with WithRedisClient are left open for their owner.

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(shutdownCtx)

	res, err := a.Service().GetBlob(ctx, did, cid, "")

WithS3Client, WithRedisClient and WithHTTPClient replace the clients built
from configuration, for tests and for embedding.
*/
package adapter
