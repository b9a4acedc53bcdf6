package cache

import (
	"context"
	"time"
)

// FastHit is a Tier 1 hit. EarlyFetch reports that the entry is still valid
// but close enough to expiry that the caller should refresh it in the
// background while serving Data.
type FastHit struct {
	Data        []byte
	ContentType string
	Size        int64
	CachedAt    time.Time
	EarlyFetch  bool
}

// FastCache is the short-lived Tier 1 cache. Get reports a miss as
// (FastHit{}, false, nil); a non-nil error means the tier itself failed.
type FastCache interface {
	Get(ctx context.Context, key string) (FastHit, bool, error)
	Set(ctx context.Context, key string, data []byte, contentType string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats is a point-in-time view of an in-process cache.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	EarlyHits   uint64  `json:"early_hits"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}
