// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:   Total and successful request counts
//   - denials:              Admission/routing denials by taxonomy kind
//   - tokens:               Billed input/output token totals
//   - cache hits/misses:    Credential, budget and model cache performance
//   - emissions:            Usage-record delivery outcomes
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64
	streamed  atomic.Int64

	denialMu sync.Mutex
	denials  map[string]int64

	// Cache counters, keyed by cache name
	cacheMu     sync.Mutex
	cacheHits   map[string]int64
	cacheMisses map[string]int64

	// Token counters (from backend-reported usage, actual billed counts)
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64
	usageUnreported   atomic.Int64

	// Emission counters
	emissionsDelivered atomic.Int64
	emissionsRetried   atomic.Int64
	emissionsSpooled   atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt:   time.Now(),
		denials:     make(map[string]int64),
		cacheHits:   make(map[string]int64),
		cacheMisses: make(map[string]int64),
	}
}

// RecordRequest records a completed request.
func (mc *MetricsCollector) RecordRequest(success, streaming bool) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
	if streaming {
		mc.streamed.Add(1)
	}
}

// RecordDenial records an admission or routing denial by taxonomy kind.
func (mc *MetricsCollector) RecordDenial(kind string) {
	mc.denialMu.Lock()
	mc.denials[kind]++
	mc.denialMu.Unlock()
}

// RecordCacheHit records a hit on the named cache.
func (mc *MetricsCollector) RecordCacheHit(cache string) {
	mc.cacheMu.Lock()
	mc.cacheHits[cache]++
	mc.cacheMu.Unlock()
}

// RecordCacheMiss records a miss on the named cache.
func (mc *MetricsCollector) RecordCacheMiss(cache string) {
	mc.cacheMu.Lock()
	mc.cacheMisses[cache]++
	mc.cacheMu.Unlock()
}

// RecordTokens records backend-reported token usage for one request.
func (mc *MetricsCollector) RecordTokens(inputTokens, outputTokens int, unreported bool) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
	if unreported {
		mc.usageUnreported.Add(1)
	}
}

// RecordEmissionDelivered records a usage record accepted by metering.
func (mc *MetricsCollector) RecordEmissionDelivered() { mc.emissionsDelivered.Add(1) }

// RecordEmissionRetry records one failed delivery attempt.
func (mc *MetricsCollector) RecordEmissionRetry() { mc.emissionsRetried.Add(1) }

// RecordEmissionSpooled records a record written to the local fallback spool.
func (mc *MetricsCollector) RecordEmissionSpooled() { mc.emissionsSpooled.Add(1) }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()

	mc.denialMu.Lock()
	denials := make(map[string]int64, len(mc.denials))
	for k, v := range mc.denials {
		denials[k] = v
	}
	mc.denialMu.Unlock()

	mc.cacheMu.Lock()
	caches := make(map[string]CacheStats, len(mc.cacheHits))
	for name := range mc.cacheHits {
		caches[name] = mc.cacheStatsLocked(name)
	}
	for name := range mc.cacheMisses {
		if _, ok := caches[name]; !ok {
			caches[name] = mc.cacheStatsLocked(name)
		}
	}
	mc.cacheMu.Unlock()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
			Streamed:   mc.streamed.Load(),
		},
		Denials: denials,
		Tokens: TokenStats{
			InputTokens:     mc.totalInputTokens.Load(),
			OutputTokens:    mc.totalOutputTokens.Load(),
			UsageUnreported: mc.usageUnreported.Load(),
		},
		Caches: caches,
		Emissions: EmissionStats{
			Delivered: mc.emissionsDelivered.Load(),
			Retried:   mc.emissionsRetried.Load(),
			Spooled:   mc.emissionsSpooled.Load(),
		},
	}
}

func (mc *MetricsCollector) cacheStatsLocked(name string) CacheStats {
	hits := mc.cacheHits[name]
	misses := mc.cacheMisses[name]
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{Hits: hits, Misses: misses, HitRate: rate}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string                `json:"uptime"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartedAt     string                `json:"started_at"`
	Requests      RequestStats          `json:"requests"`
	Denials       map[string]int64      `json:"denials"`
	Tokens        TokenStats            `json:"tokens"`
	Caches        map[string]CacheStats `json:"caches"`
	Emissions     EmissionStats         `json:"emissions"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Streamed   int64 `json:"streamed"`
}

// TokenStats holds billed token totals.
type TokenStats struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	UsageUnreported int64 `json:"usage_unreported"`
}

// CacheStats holds hit/miss counts for one cache.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// EmissionStats holds usage-record delivery outcomes.
type EmissionStats struct {
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Spooled   int64 `json:"spooled"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
