package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationMetrics describes one completed gateway operation, generalizing
// monitoring.go's object-storage OperationMetrics (put/get/delete/list) to
// the gateway's own operation set.
type OperationMetrics struct {
	OperationType string // "classify", "isolate", "cache_get", "cache_put", "shard_rpc", "split_phase"
	TenantID      string
	ShardID       string
	Timestamp     time.Time
	Duration      time.Duration
	Success       bool
	ErrorCode     string
	CacheHit      bool
}

// counters holds the atomic tallies for one operation type.
type counters struct {
	total       atomic.Int64
	latencySum  atomic.Int64
	latencyN    atomic.Int64
	errors      atomic.Int64
}

// MetricsCollector gathers gateway-wide operational metrics, adapted from
// monitoring.go's MetricsCollector: same atomic-counter / latency-sum
// shape, re-keyed to per-operation-type counters instead of a fixed
// put/get/delete/list set.
type MetricsCollector struct {
	mu         sync.RWMutex
	byOp       map[string]*counters
	cacheHits  atomic.Int64
	cacheMiss  atomic.Int64
	cacheStale atomic.Int64
	breakerTrips atomic.Int64
	lastCollected time.Time
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		byOp:          make(map[string]*counters),
		lastCollected: time.Now(),
	}
}

func (mc *MetricsCollector) counterFor(op string) *counters {
	mc.mu.RLock()
	c, ok := mc.byOp[op]
	mc.mu.RUnlock()
	if ok {
		return c
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if c, ok := mc.byOp[op]; ok {
		return c
	}
	c = &counters{}
	mc.byOp[op] = c
	return c
}

// RecordOperation records a single completed operation.
func (mc *MetricsCollector) RecordOperation(op OperationMetrics) {
	c := mc.counterFor(op.OperationType)
	c.total.Add(1)
	c.latencySum.Add(op.Duration.Nanoseconds())
	c.latencyN.Add(1)
	if !op.Success {
		c.errors.Add(1)
	}

	if op.OperationType == "cache_get" {
		if op.CacheHit {
			mc.cacheHits.Add(1)
		} else {
			mc.cacheMiss.Add(1)
		}
	}
}

// RecordCacheStale records a bounded/cached read that served a stale entry.
func (mc *MetricsCollector) RecordCacheStale() { mc.cacheStale.Add(1) }

// RecordBreakerTrip records a circuit breaker transition into "open".
func (mc *MetricsCollector) RecordBreakerTrip() { mc.breakerTrips.Add(1) }

// AverageLatency returns the mean latency observed for an operation type.
func (mc *MetricsCollector) AverageLatency(op string) time.Duration {
	c := mc.counterFor(op)
	n := c.latencyN.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(c.latencySum.Load() / n)
}

// Snapshot is a point-in-time rendering suitable for GET /metrics.
type Snapshot struct {
	Operations   map[string]OpSnapshot `json:"operations"`
	CacheHits    int64                 `json:"cache_hits"`
	CacheMisses  int64                 `json:"cache_misses"`
	CacheStale   int64                 `json:"cache_stale"`
	BreakerTrips int64                 `json:"breaker_trips"`
}

// OpSnapshot summarizes one operation type.
type OpSnapshot struct {
	Total        int64         `json:"total"`
	Errors       int64         `json:"errors"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Snapshot renders the current state of every tracked counter.
//
// Percentiles are intentionally not computed here: like monitoring.go's own
// GetLatencyPercentiles ("In production, use actual percentile tracking,
// e.g. HDR Histogram; this is a simplified version"), a faithful histogram
// is out of scope for this gateway's metrics surface and average latency
// is reported instead rather than fabricating percentiles from an average.
func (mc *MetricsCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	ops := make(map[string]OpSnapshot, len(mc.byOp))
	for name, c := range mc.byOp {
		n := c.latencyN.Load()
		var avg time.Duration
		if n > 0 {
			avg = time.Duration(c.latencySum.Load() / n)
		}
		ops[name] = OpSnapshot{
			Total:          c.total.Load(),
			Errors:         c.errors.Load(),
			AverageLatency: avg,
		}
	}

	return Snapshot{
		Operations:   ops,
		CacheHits:    mc.cacheHits.Load(),
		CacheMisses:  mc.cacheMiss.Load(),
		CacheStale:   mc.cacheStale.Load(),
		BreakerTrips: mc.breakerTrips.Load(),
	}
}
