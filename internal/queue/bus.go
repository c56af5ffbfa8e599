// Package queue implements the Queue Invalidation Consumer (spec.md
// §4.7): an async event bus carrying `invalidate` events from writes to
// every gateway instance's cache.
//
// No broker client (Kafka/NATS/SQS) is available here, so this is an
// in-process bus instead: a buffered channel plus a batching
// consumer goroutine, the same shape as replication_engine_v3.go's
// regionBatches/flushCh pattern, generalized
// from per-region object batches to per-tick invalidation batches. See
// DESIGN.md.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workersql/gateway/internal/cache"
)

// Event is one `invalidate` event: a write committed on tenantID/table and
// every cache entry derived from that base key must eventually clear.
type Event struct {
	ID       string
	TenantID string
	Table    string
	attempts int
}

// Invalidator is the subset of *cache.Cache the consumer needs.
type Invalidator interface {
	InvalidateByPattern(ctx context.Context, prefix string) (int, error)
}

// EventBus batches invalidate events and applies them against an
// Invalidator, with retry-with-backoff and dead-lettering on exhaustion.
type EventBus struct {
	cache       Invalidator
	events      chan Event
	maxRetries  int
	batchWindow time.Duration
	batchSize   int

	dedup *idempotencyLog

	mu         sync.Mutex
	deadLetter []Event

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config tunes the bus's batching and retry behavior.
type Config struct {
	BatchWindow time.Duration
	BatchSize   int
	MaxRetries  int
	MarkerTTL   time.Duration
}

// DefaultConfig matches spec.md §4.7's defaults: small batches flushed
// quickly, three retries before dead-lettering.
func DefaultConfig() Config {
	return Config{
		BatchWindow: 50 * time.Millisecond,
		BatchSize:   256,
		MaxRetries:  3,
		MarkerTTL:   10 * time.Minute,
	}
}

// NewEventBus constructs a bus over c and starts its consumer goroutine.
func NewEventBus(c Invalidator, cfg Config) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &EventBus{
		cache:       c,
		events:      make(chan Event, 4096),
		maxRetries:  cfg.MaxRetries,
		batchWindow: cfg.BatchWindow,
		batchSize:   cfg.BatchSize,
		dedup:       newIdempotencyLog(cfg.MarkerTTL),
		cancel:      cancel,
	}
	bus.wg.Add(1)
	go bus.consume(ctx)
	return bus
}

// PublishInvalidate enqueues an invalidate event for tenantID/table.
// Implements consistency.InvalidationPublisher.
func (b *EventBus) PublishInvalidate(ctx context.Context, tenantID, table string) error {
	select {
	case b.events <- Event{ID: uuid.NewString(), TenantID: tenantID, Table: table}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the consumer goroutine and waits for it to drain.
func (b *EventBus) Shutdown() {
	b.cancel()
	b.wg.Wait()
}

// DeadLetters returns events that exhausted maxRetries, for /admin
// inspection and metrics.
func (b *EventBus) DeadLetters() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.deadLetter...)
}

func (b *EventBus) consume(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.batchWindow)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.processBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev := <-b.events:
			batch = append(batch, ev)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// processBatch converts each event's base key to the two cache-prefix
// shapes, unions them across the whole batch, and invalidates in
// parallel, per spec.md §4.7. Events touching a prefix that failed to
// invalidate are retried with backoff instead of acknowledged.
func (b *EventBus) processBatch(ctx context.Context, batch []Event) {
	var fresh []Event
	for _, ev := range batch {
		if b.dedup.seen(ev.ID) {
			continue
		}
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		return
	}

	eventPrefixes := make(map[string][]string, len(fresh))
	prefixSet := make(map[string]struct{})
	for _, ev := range fresh {
		base := cache.BaseKey(ev.TenantID, ev.Table)
		ps := cache.InvalidationPrefixes(base)
		eventPrefixes[ev.ID] = ps
		for _, p := range ps {
			prefixSet[p] = struct{}{}
		}
	}

	var mu sync.Mutex
	failedPrefixes := make(map[string]struct{})
	var wg sync.WaitGroup
	for prefix := range prefixSet {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := b.cache.InvalidateByPattern(ctx, p); err != nil {
				mu.Lock()
				failedPrefixes[p] = struct{}{}
				mu.Unlock()
			}
		}(prefix)
	}
	wg.Wait()

	var retry []Event
	for _, ev := range fresh {
		ok := true
		for _, p := range eventPrefixes[ev.ID] {
			if _, failed := failedPrefixes[p]; failed {
				ok = false
				break
			}
		}
		if ok {
			b.dedup.mark(ev.ID)
		} else {
			retry = append(retry, ev)
		}
	}

	b.retryFailed(ctx, retry)
}

// retryFailed re-enqueues events whose invalidation failed, with
// exponential backoff, dead-lettering after maxRetries.
func (b *EventBus) retryFailed(ctx context.Context, failed []Event) {
	for _, ev := range failed {
		ev.attempts++
		if ev.attempts > b.maxRetries {
			b.mu.Lock()
			b.deadLetter = append(b.deadLetter, ev)
			b.mu.Unlock()
			log.Printf("queue: event %s for %s/%s dead-lettered after %d attempts", ev.ID, ev.TenantID, ev.Table, ev.attempts)
			continue
		}
		backoff := time.Duration(1<<uint(ev.attempts)) * 10 * time.Millisecond
		ev := ev
		time.AfterFunc(backoff, func() {
			select {
			case b.events <- ev:
			case <-ctx.Done():
			}
		})
	}
}
