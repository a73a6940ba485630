// Package metrics collects engine-level counters for query handling.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// EngineMetrics tracks query, retrieval, and generation activity.
type EngineMetrics struct {
	queriesTotal      uint64
	queriesOK         uint64
	queriesNoGround   uint64
	queriesFailed     uint64
	queriesInvalid    uint64
	queriesCacheHits  uint64
	retrievalTotal    uint64
	retrievalErrors   uint64
	generationTotal   uint64
	generationErrors  uint64
	generationRetries uint64
	chunksIngested    uint64

	durationMu         sync.Mutex
	retrievalDuration  float64
	generationDuration float64

	startTime time.Time
}

var (
	global *EngineMetrics
	once   sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *EngineMetrics {
	once.Do(func() {
		global = &EngineMetrics{startTime: time.Now()}
	})
	return global
}

// RecordQuery records one terminal query outcome.
func (m *EngineMetrics) RecordQuery(status string, cacheHit bool) {
	atomic.AddUint64(&m.queriesTotal, 1)
	if cacheHit {
		atomic.AddUint64(&m.queriesCacheHits, 1)
	}
	switch status {
	case "ok":
		atomic.AddUint64(&m.queriesOK, 1)
	case "no_grounding_found":
		atomic.AddUint64(&m.queriesNoGround, 1)
	case "generation_failed":
		atomic.AddUint64(&m.queriesFailed, 1)
	case "invalid_request":
		atomic.AddUint64(&m.queriesInvalid, 1)
	}
}

// RecordRetrieval records one retrieval stage.
func (m *EngineMetrics) RecordRetrieval(duration time.Duration, err error) {
	atomic.AddUint64(&m.retrievalTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.retrievalErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.retrievalDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordGeneration records one generation stage.
func (m *EngineMetrics) RecordGeneration(duration time.Duration, err error) {
	atomic.AddUint64(&m.generationTotal, 1)
	if err != nil {
		atomic.AddUint64(&m.generationErrors, 1)
		return
	}
	m.durationMu.Lock()
	m.generationDuration += duration.Seconds()
	m.durationMu.Unlock()
}

// RecordGenerationRetry records one retried generation attempt.
func (m *EngineMetrics) RecordGenerationRetry() {
	atomic.AddUint64(&m.generationRetries, 1)
}

// RecordIngest records ingested chunks.
func (m *EngineMetrics) RecordIngest(chunks int) {
	atomic.AddUint64(&m.chunksIngested, uint64(chunks))
}

// Snapshot returns the current counters for the stats endpoint.
func (m *EngineMetrics) Snapshot() map[string]any {
	m.durationMu.Lock()
	retrievalDur := m.retrievalDuration
	generationDur := m.generationDuration
	m.durationMu.Unlock()

	return map[string]any{
		"uptime_seconds":       time.Since(m.startTime).Seconds(),
		"queries_total":        atomic.LoadUint64(&m.queriesTotal),
		"queries_ok":           atomic.LoadUint64(&m.queriesOK),
		"queries_no_grounding": atomic.LoadUint64(&m.queriesNoGround),
		"queries_failed":       atomic.LoadUint64(&m.queriesFailed),
		"queries_invalid":      atomic.LoadUint64(&m.queriesInvalid),
		"queries_cache_hits":   atomic.LoadUint64(&m.queriesCacheHits),
		"retrieval_total":      atomic.LoadUint64(&m.retrievalTotal),
		"retrieval_errors":     atomic.LoadUint64(&m.retrievalErrors),
		"retrieval_seconds":    retrievalDur,
		"generation_total":     atomic.LoadUint64(&m.generationTotal),
		"generation_errors":    atomic.LoadUint64(&m.generationErrors),
		"generation_retries":   atomic.LoadUint64(&m.generationRetries),
		"generation_seconds":   generationDur,
		"chunks_ingested":      atomic.LoadUint64(&m.chunksIngested),
	}
}
