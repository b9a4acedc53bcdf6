/*
Package config loads and validates blobcached configuration.

Configuration is layered, lowest priority first:

	compiled-in defaults (NewDefault)
	        │
	YAML file (LoadFromFile)
	        │
	BLOBCACHE_* environment variables (LoadFromEnv)
	        │
	command-line flags (applied by the caller)

Fields absent from the YAML file keep their defaults, so a minimal file only
needs the durable bucket:

	durable_cache:
	  bucket: blob-cache

# Sections

	global          logging (level, format, file, rotation) and shutdown timeout
	metrics         Prometheus endpoint, namespace and constant labels
	fast_cache      Tier 1: driver (memory|redis), size, TTL, early expiration,
	                Redis connection
	durable_cache   Tier 2: bucket, region, endpoint, credentials, public URL,
	                key prefix, TTL, maximum object size
	origin          PLC directory and DID fetch retries, PDS client, maximum
	                blob size, default content type
	resilience      retry attempts and delays, circuit breaker thresholds,
	                per-attempt timeout
	refresh         background refresh workers and queue size

Sizes are human-readable strings such as "256MB" or "1.5GiB", parsed with
binary units. Durations use Go syntax ("30s", "24h").

# Example

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/blobcache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

LRUConfig and ServiceConfig translate the file layout into the structures the
cache and orchestrator constructors take.
*/
package config
