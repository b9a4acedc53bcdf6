/*
Package s3 implements the Tier 2 durable blob cache on an S3-compatible
object store.

Requests are signed with AWS Signature Version 4 by aws-sdk-go-v2, so the
same code serves AWS S3, MinIO, R2 and other compatible stores; set
Endpoint and ForcePathStyle for the latter.

# Key Scheme

Objects live at KeyPrefix + CID (default "blobs/"). Owner identity and
request parameters never appear in the key, so the same content referenced
by two owners is stored once.

# Provenance

Every write attaches user metadata tying the copy to its authoritative
origin:

	x-amz-meta-cid            content identifier
	x-amz-meta-source-origin  PDS endpoint the bytes were fetched from
	x-amz-meta-cached-at      RFC 3339 write time
	x-amz-meta-ttl-seconds    declared lifetime
	x-amz-meta-size           byte length

Get and Head treat an object whose cached-at + ttl-seconds has passed as
absent. Nothing is deleted on read; configure a bucket lifecycle rule to
reclaim space.

# Size Ceiling

Writes larger than MaxObjectSize (default 50 MiB) are skipped without any
request to the store and reported as success. Oversized blobs are still
served from the origin; they are simply never kept here.

# Usage

	cache, err := s3.New(ctx, &s3.Config{
		Bucket:        "preprint-blobs",
		Region:        "us-east-1",
		PublicBaseURL: "https://blobs.example.org",
	}, logger)
	if err != nil {
		return err
	}

	if err := cache.Set(ctx, cid, data, "application/pdf", pdsEndpoint, 0); err != nil {
		logger.Warn("durable cache write failed", "error", err)
	}

	data, info, err := cache.Get(ctx, cid)
	switch {
	case err != nil:
		// tier failure, treat as a miss
	case info == nil:
		// absent or expired
	}
*/
package s3
