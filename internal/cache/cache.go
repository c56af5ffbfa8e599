// Package cache implements the Cache Layer (spec.md §4.3): versioned
// entries with independent freshness and stale-while-revalidate windows,
// prefix invalidation, and best-effort degrade-to-miss on backend
// unavailability.
//
// Adapted from cache_engine_v3.go: the shard-count-power-of-2 plus fnv
// hashing design is kept, with each shard a plain map behind a
// sync.RWMutex instead of a sync.Map; entries are re-keyed from
// {ETag, Tier} to spec.md §3's {data, version, freshUntil, swrUntil,
// shardId}, and large payloads are compressed with klauspost/compress/zstd
// (a dependency cache_engine_v3.go declared a CompressionThreshold/
// CompressionCodec for but never wired to an actual codec — see
// DESIGN.md).
package cache

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// errDegraded is returned by InvalidateByPattern while the cache backend
// is unavailable.
var errDegraded = errors.New("cache: backend degraded")

// Status is the derived freshness state of a cache entry.
type Status string

const (
	StatusFresh Status = "fresh"
	StatusStale Status = "stale"
	StatusMiss  Status = "miss"
)

// Entry is a versioned cache entry, spec.md §3.
type Entry struct {
	Data       []byte
	Version    uint64
	FreshUntil int64 // epoch ms
	SWRUntil   int64 // epoch ms
	ShardID    string

	compressed bool
}

// Result is what Get returns: the entry (possibly nil on miss) plus its
// derived status.
type Result struct {
	Entry  *Entry
	Status Status
}

const (
	shardCount           = 256
	compressionThreshold = 8 * 1024 // bytes; matches cache_engine_v3's CompressionThreshold intent
)

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Cache is the sharded, versioned KV cache backing the gateway's reads.
type Cache struct {
	shards    []*shard
	shardMask uint64
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder

	// degraded is set when the backing store is considered unavailable;
	// Get then always reports a miss so callers fall back to the shard,
	// per spec.md §4.3's failure clause. This in-process implementation
	// never actually loses its map, so degraded is exposed for tests and
	// for a future out-of-process KV backend to drive.
	degraded bool
	mu       sync.RWMutex
}

// New constructs an empty Cache.
func New() *Cache {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*Entry)}
	}

	return &Cache{
		shards:    shards,
		shardMask: uint64(shardCount - 1),
		encoder:   enc,
		decoder:   dec,
	}
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New64a()
	h.Write([]byte(key))
	return c.shards[h.Sum64()&c.shardMask]
}

// SetDegraded marks the cache as unavailable (or recovers it), for use by
// callers that front this in-process cache with a real network KV and
// detect connectivity loss.
func (c *Cache) SetDegraded(degraded bool) {
	c.mu.Lock()
	c.degraded = degraded
	c.mu.Unlock()
}

func (c *Cache) isDegraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// Get returns the entry at key and its derived freshness status. On a
// degraded backend, Get always reports (nil, StatusMiss) so the caller
// degrades to a direct shard query, per spec.md §4.3.
func (c *Cache) Get(_ context.Context, key string) Result {
	if c.isDegraded() {
		return Result{Status: StatusMiss}
	}

	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Result{Status: StatusMiss}
	}

	status := c.statusOf(e)
	if status == StatusMiss {
		return Result{Status: StatusMiss}
	}

	decoded := c.decompressedCopy(e)
	if decoded == nil {
		return Result{Status: StatusMiss}
	}

	return Result{Entry: decoded, Status: status}
}

// statusOf derives fresh/stale/miss from now vs. FreshUntil/SWRUntil.
// now < freshUntil is strict, so freshMs=0 (freshUntil==now at Put time)
// never reports fresh — spec.md §9 Open Question #1, resolved literally.
func (c *Cache) statusOf(e *Entry) Status {
	now := nowMs()
	switch {
	case now < e.FreshUntil:
		return StatusFresh
	case now < e.SWRUntil:
		return StatusStale
	default:
		return StatusMiss
	}
}

// Put stores data under key with the given freshness/SWR windows.
//
// Open Question #2 (spec.md §9): a bounded read racing a concurrent strong
// write resolves by keeping whichever entry carries the higher Version —
// Put silently no-ops if an existing entry at key already carries a
// version > the incoming one (an equal version replaces the entry and
// renews its windows), so out-of-order write-throughs can never regress a
// reader's observed version.
func (c *Cache) Put(_ context.Context, key string, data []byte, freshMs, swrMs int64, shardID string, version uint64) {
	now := nowMs()
	e := &Entry{
		Version:    version,
		FreshUntil: now + freshMs,
		SWRUntil:   now + freshMs + swrMs,
		ShardID:    shardID,
	}

	if len(data) >= compressionThreshold {
		e.Data = c.encoder.EncodeAll(data, nil)
		e.compressed = true
	} else {
		e.Data = data
		e.compressed = false
	}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok && existing.Version > version {
		return
	}
	s.entries[key] = e
}

// Invalidate deletes key.
func (c *Cache) Invalidate(_ context.Context, key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateByPattern deletes every key with the given prefix, iterating
// every shard and batching deletes within each shard's lock, mirroring
// cache_engine_v3.go's cacheEvictor sweep pattern. It reports an error while the
// cache is degraded: skipping an invalidation rather than failing it
// would let a stale entry survive indefinitely once the backend recovers,
// so callers (internal/queue) must retry instead of acking.
func (c *Cache) InvalidateByPattern(_ context.Context, prefix string) (int, error) {
	if c.isDegraded() {
		return 0, errDegraded
	}

	var removed int
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, s := range c.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			var toDelete []string
			s.mu.RLock()
			for k := range s.entries {
				if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
					toDelete = append(toDelete, k)
				}
			}
			s.mu.RUnlock()

			if len(toDelete) == 0 {
				return
			}
			s.mu.Lock()
			for _, k := range toDelete {
				delete(s.entries, k)
			}
			s.mu.Unlock()

			mu.Lock()
			removed += len(toDelete)
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	return removed, nil
}

// Touch extends an existing entry's freshness without changing its data or
// version, if the key is still present.
func (c *Cache) Touch(_ context.Context, key string, freshMs int64) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	now := nowMs()
	e.FreshUntil = now + freshMs
	return true
}

func (c *Cache) decompressedCopy(e *Entry) *Entry {
	out := &Entry{
		Version:    e.Version,
		FreshUntil: e.FreshUntil,
		SWRUntil:   e.SWRUntil,
		ShardID:    e.ShardID,
	}
	if !e.compressed {
		out.Data = e.Data
		return out
	}
	data, err := c.decoder.DecodeAll(e.Data, nil)
	if err != nil {
		// Corrupt compressed payload degrades to a miss rather than
		// panicking the caller.
		return nil
	}
	out.Data = data
	return out
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
