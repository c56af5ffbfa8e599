// Package batch implements the Batch & Idempotency Layer (spec.md §4.9):
// ordered multi-statement mutations with caller-supplied idempotency keys,
// MAX_OPS/MAX_BYTES clamps, and byte-identical replay of a recorded
// response.
//
// New code — MinIO has no batching-with-idempotency-key concept
// (its "batching" is the unrelated replication-pipeline batching in
// replication_engine_v3.go). Grounded on that file's size/count clamp
// style (V3MaxBatchSize/V3MaxBatchBytes) and its per-region mutex-guarded
// accumulator, generalized to per-key idempotency bookkeeping; see
// DESIGN.md.
package batch

import (
	"context"
	"sync"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

// IdempotencyStore is the durable persistence an idempotency key's recorded
// response survives a restart through; *durable.DB satisfies this. Nil is
// valid and means records only survive as long as the process does.
type IdempotencyStore interface {
	SaveIdempotencyRecord(ctx context.Context, key string, resp interface{}) error
	GetIdempotencyRecord(ctx context.Context, key string, out interface{}) (bool, error)
}

// Statement is one ordered mutation in a batch request.
type Statement struct {
	SQL    string
	Params []interface{}
}

// Request is one batch submission.
type Request struct {
	ShardID        string
	Statements     []Statement
	IdempotencyKey string // empty means "do not record or dedupe"
}

// Response is the batch's recorded, replayable result.
type Response struct {
	Results []shardclient.ExecResult
}

// Executor runs an ordered set of statements atomically on a shard.
type Executor interface {
	ExecuteBatch(ctx context.Context, shardID string, stmts []string) (shardclient.ExecResult, error)
}

// Limits bounds a batch request, per spec.md §4.9 / §6's MAX_OPS/MAX_BYTES.
type Limits struct {
	MaxOps   int
	MaxBytes int64
}

// Processor validates, executes, and idempotency-tracks batch requests.
type Processor struct {
	executor Executor
	limits   Limits
	durable  IdempotencyStore

	mu       sync.Mutex
	inflight map[string]*inflightEntry
	recorded map[string]*Response
}

type inflightEntry struct {
	done chan struct{}
	resp *Response
	err  error
}

// NewProcessor constructs a Processor. durable may be nil, in which case
// recorded responses only live as long as the in-memory map (tests, and
// deployments that accept idempotency records not surviving a restart).
func NewProcessor(executor Executor, limits Limits, durable IdempotencyStore) *Processor {
	return &Processor{
		executor: executor,
		limits:   limits,
		durable:  durable,
		inflight: make(map[string]*inflightEntry),
		recorded: make(map[string]*Response),
	}
}

// Process validates req against the configured clamps, executes it
// atomically on the shard, and records/replays by IdempotencyKey.
//
// Concurrent callers supplying the same IdempotencyKey while the first is
// still executing block on that first call's result rather than
// re-executing, per spec.md §4.9.
func (p *Processor) Process(ctx context.Context, req Request) (*Response, error) {
	if err := p.validate(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey == "" {
		return p.execute(ctx, req)
	}

	p.mu.Lock()
	if resp, ok := p.recorded[req.IdempotencyKey]; ok {
		p.mu.Unlock()
		return resp, nil
	}
	if entry, ok := p.inflight[req.IdempotencyKey]; ok {
		p.mu.Unlock()
		<-entry.done
		return entry.resp, entry.err
	}
	entry := &inflightEntry{done: make(chan struct{})}
	p.inflight[req.IdempotencyKey] = entry
	p.mu.Unlock()

	if resp, found := p.loadDurable(ctx, req.IdempotencyKey); found {
		p.mu.Lock()
		entry.resp = resp
		p.recorded[req.IdempotencyKey] = resp
		delete(p.inflight, req.IdempotencyKey)
		p.mu.Unlock()
		close(entry.done)
		return resp, nil
	}

	resp, err := p.execute(ctx, req)

	p.mu.Lock()
	entry.resp, entry.err = resp, err
	if err == nil {
		p.recorded[req.IdempotencyKey] = resp
	}
	delete(p.inflight, req.IdempotencyKey)
	p.mu.Unlock()

	if err == nil && p.durable != nil {
		_ = p.durable.SaveIdempotencyRecord(ctx, req.IdempotencyKey, resp)
	}

	close(entry.done)
	return resp, err
}

// loadDurable checks the durable store for a response recorded by a prior
// process instance, so a replay after a restart still returns the original
// result instead of re-executing.
func (p *Processor) loadDurable(ctx context.Context, key string) (*Response, bool) {
	if p.durable == nil {
		return nil, false
	}
	var resp Response
	found, err := p.durable.GetIdempotencyRecord(ctx, key, &resp)
	if err != nil || !found {
		return nil, false
	}
	return &resp, true
}

func (p *Processor) validate(req Request) error {
	if p.limits.MaxOps > 0 && len(req.Statements) > p.limits.MaxOps {
		return gwerrors.New(gwerrors.ResourceLimit, "batch exceeds MAX_OPS (%d > %d)", len(req.Statements), p.limits.MaxOps)
	}

	var totalBytes int64
	for _, stmt := range req.Statements {
		totalBytes += int64(len(stmt.SQL))
		for _, param := range stmt.Params {
			if s, ok := param.(string); ok {
				totalBytes += int64(len(s))
			}
		}

		c := sqlclass.Classify(stmt.SQL)
		if !isMutation(c.Kind) {
			return gwerrors.New(gwerrors.InvalidQuery, "batch may only contain mutation statements, found %s", c.Kind)
		}
	}
	if p.limits.MaxBytes > 0 && totalBytes > p.limits.MaxBytes {
		return gwerrors.New(gwerrors.ResourceLimit, "batch exceeds MAX_BYTES (%d > %d)", totalBytes, p.limits.MaxBytes)
	}
	return nil
}

func isMutation(k sqlclass.Kind) bool {
	return k == sqlclass.KindInsert || k == sqlclass.KindUpdate || k == sqlclass.KindDelete
}

func (p *Processor) execute(ctx context.Context, req Request) (*Response, error) {
	stmts := make([]string, len(req.Statements))
	for i, s := range req.Statements {
		stmts[i] = s.SQL
	}
	res, err := p.executor.ExecuteBatch(ctx, req.ShardID, stmts)
	if err != nil {
		return nil, err
	}
	return &Response{Results: []shardclient.ExecResult{res}}, nil
}
