// Package consistency implements the Consistency Engine (spec.md §4.6):
// the decision procedure that, for every read, chooses between serving
// from cache and reading the owning shard, and for every write, executes
// on the shard then emits a cache-invalidation event.
//
// Grounded on the tiering logic in cache_engine_v3.go (which chose
// between memory/disk/remote tiers by a similar fresh/stale decision tree)
// generalized to spec.md's strong/bounded/cached hints; the
// background-refresh coalescing map is new, modeled on the
// singleflight-shaped in-flight-request dedup in cache_engine_v3.go's
// object GET path (see DESIGN.md).
package consistency

import (
	"context"

	"github.com/workersql/gateway/internal/cache"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

// ShardExecutor is the subset of shardclient.Client the engine needs: run
// one statement on a shard and learn its resulting version.
type ShardExecutor interface {
	Execute(ctx context.Context, shardID, sql string, params []interface{}, hint sqlclass.Hint) (shardclient.ExecResult, error)
}

// ExecResult is an alias of shardclient.ExecResult for callers that only
// import this package.
type ExecResult = shardclient.ExecResult

// InvalidationPublisher is how the engine announces a completed write so
// every gateway instance's cache converges; internal/queue's EventBus
// implements it.
type InvalidationPublisher interface {
	PublishInvalidate(ctx context.Context, tenantID, table string) error
}

// Query describes one cache-eligible read.
type Query struct {
	ShardID  string
	TenantID string
	Table    string
	CacheKey string
	SQL      string
	Params   []interface{}
	Hint     sqlclass.Hint
}

// ReadResult is what the engine returns for a read.
type ReadResult struct {
	Data    []byte
	Cached  bool
	Stale   bool
	Version uint64
}

// Engine wires the Cache Layer to the Shard Actor Client per the
// resolve-hint procedure in spec.md §4.6.
type Engine struct {
	cache     *cache.Cache
	executor  ShardExecutor
	publisher InvalidationPublisher
	refresher *refreshCoalescer
	freshMs   int64
	swrMs     int64
}

// New constructs an Engine. freshMs/swrMs are the cache windows applied to
// every write-through, matching config.CacheTTLMs/CacheSWRMs.
func New(c *cache.Cache, executor ShardExecutor, publisher InvalidationPublisher, freshMs, swrMs int64) *Engine {
	return &Engine{
		cache:     c,
		executor:  executor,
		publisher: publisher,
		refresher: newRefreshCoalescer(),
		freshMs:   freshMs,
		swrMs:     swrMs,
	}
}

// Read executes the resolve-hint procedure of spec.md §4.6 for q.
func (e *Engine) Read(ctx context.Context, q Query, encode func([]map[string]interface{}) []byte) (ReadResult, error) {
	switch q.Hint {
	case sqlclass.HintStrong:
		return e.readStrong(ctx, q, encode)
	case sqlclass.HintBounded:
		return e.readBounded(ctx, q, encode)
	default: // cached (and default, already resolved by sqlclass.ResolveDefault upstream)
		return e.readCached(ctx, q, encode)
	}
}

func (e *Engine) readStrong(ctx context.Context, q Query, encode func([]map[string]interface{}) []byte) (ReadResult, error) {
	res, err := e.executor.Execute(ctx, q.ShardID, q.SQL, q.Params, q.Hint)
	if err != nil {
		return ReadResult{}, err
	}
	data := encode(res.Rows)
	e.cache.Put(ctx, q.CacheKey, data, e.freshMs, e.swrMs, q.ShardID, res.Version)
	return ReadResult{Data: data, Version: res.Version}, nil
}

func (e *Engine) readBounded(ctx context.Context, q Query, encode func([]map[string]interface{}) []byte) (ReadResult, error) {
	result := e.cache.Get(ctx, q.CacheKey)
	switch result.Status {
	case cache.StatusFresh:
		// A fresh value racing an in-flight refresh is returned as-is
		// without starting a second refresh (spec.md §4.6 tie-break).
		return ReadResult{Data: result.Entry.Data, Cached: true, Version: result.Entry.Version}, nil
	case cache.StatusStale:
		e.refresher.schedule(q.CacheKey, q.TenantID+":"+q.Table, func() { e.refreshOnce(q, encode) })
		return ReadResult{Data: result.Entry.Data, Cached: true, Stale: true, Version: result.Entry.Version}, nil
	default:
		return e.populateFromShard(ctx, q, encode)
	}
}

func (e *Engine) readCached(ctx context.Context, q Query, encode func([]map[string]interface{}) []byte) (ReadResult, error) {
	result := e.cache.Get(ctx, q.CacheKey)
	switch result.Status {
	case cache.StatusFresh:
		return ReadResult{Data: result.Entry.Data, Cached: true, Version: result.Entry.Version}, nil
	case cache.StatusStale:
		e.refresher.schedule(q.CacheKey, q.TenantID+":"+q.Table, func() { e.refreshOnce(q, encode) })
		return ReadResult{Data: result.Entry.Data, Cached: true, Stale: true, Version: result.Entry.Version}, nil
	default:
		return e.populateFromShard(ctx, q, encode)
	}
}

func (e *Engine) populateFromShard(ctx context.Context, q Query, encode func([]map[string]interface{}) []byte) (ReadResult, error) {
	res, err := e.executor.Execute(ctx, q.ShardID, q.SQL, q.Params, q.Hint)
	if err != nil {
		return ReadResult{}, err
	}
	data := encode(res.Rows)
	e.cache.Put(ctx, q.CacheKey, data, e.freshMs, e.swrMs, q.ShardID, res.Version)
	return ReadResult{Data: data, Version: res.Version}, nil
}

// refreshOnce re-executes q against the shard and write-throughs the
// cache. Failure leaves the stale entry untouched until swrUntil, per
// spec.md §4.6.
func (e *Engine) refreshOnce(q Query, encode func([]map[string]interface{}) []byte) {
	ctx := context.Background()
	res, err := e.executor.Execute(ctx, q.ShardID, q.SQL, q.Params, q.Hint)
	if err != nil {
		return
	}
	e.cache.Put(ctx, q.CacheKey, encode(res.Rows), e.freshMs, e.swrMs, q.ShardID, res.Version)
}

// Write executes sql on the owning shard, bypassing the cache, then
// publishes an invalidate event for tenantID/table. It never deletes cache
// keys directly; the queue consumer does that, so every gateway instance
// converges on the same state (spec.md §4.6).
func (e *Engine) Write(ctx context.Context, shardID, tenantID, table, sql string, params []interface{}) (ExecResult, error) {
	res, err := e.executor.Execute(ctx, shardID, sql, params, sqlclass.HintStrong)
	if err != nil {
		return ExecResult{}, err
	}
	if e.publisher != nil {
		// Invalidation is best-effort from the write's perspective: a
		// publish failure does not undo the write, it only delays
		// convergence. internal/queue's own retry/dead-letter path
		// covers durability of the event itself.
		_ = e.publisher.PublishInvalidate(ctx, tenantID, table)
	}
	return res, nil
}
