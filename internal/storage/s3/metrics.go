package s3

import (
	"sync"
	"time"
)

// BackendMetrics tracks durable cache traffic
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	ExpiredReads    int64         `json:"expired_reads"`
	SkippedWrites   int64         `json:"skipped_writes"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// MetricsCollector handles metrics collection and aggregation for the durable cache
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records one S3 round trip
func (mc *MetricsCollector) RecordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// RecordHit records a Get that returned an object
func (mc *MetricsCollector) RecordHit(bytes int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Hits++
	mc.metrics.BytesDownloaded += bytes
}

// RecordMiss records a Get that found nothing usable
func (mc *MetricsCollector) RecordMiss(expired bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Misses++
	if expired {
		mc.metrics.ExpiredReads++
	}
}

// RecordBytesUploaded records uploaded bytes
func (mc *MetricsCollector) RecordBytesUploaded(bytes int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.BytesUploaded += bytes
}

// RecordSkippedWrite records a write refused for size
func (mc *MetricsCollector) RecordSkippedWrite() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.SkippedWrites++
}

// GetMetrics returns current backend metrics
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// Reset resets all metrics to zero
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics = BackendMetrics{}
}
