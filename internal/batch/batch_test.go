package batch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/shardclient"
)

type fakeExecutor struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, shardID string, stmts []string) (shardclient.ExecResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return shardclient.ExecResult{}, f.err
	}
	return shardclient.ExecResult{RowsAffected: int64(len(stmts)), Version: uint64(f.calls.Load())}, nil
}

func TestProcess_ExecutesInOrder(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, nil)

	req := Request{ShardID: "shard-a", Statements: []Statement{
		{SQL: "INSERT INTO t VALUES (1)"},
		{SQL: "UPDATE t SET x=1"},
	}}
	resp, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].RowsAffected != 2 {
		t.Fatalf("unexpected result: %+v", resp)
	}
}

func TestProcess_RejectsOverMaxOps(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxOps: 1}, nil)

	req := Request{ShardID: "shard-a", Statements: []Statement{
		{SQL: "INSERT INTO t VALUES (1)"},
		{SQL: "INSERT INTO t VALUES (2)"},
	}}
	_, err := p.Process(context.Background(), req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Code != gwerrors.ResourceLimit {
		t.Fatalf("expected ResourceLimit, got %v", err)
	}
}

func TestProcess_RejectsOverMaxBytes(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxBytes: 10}, nil)

	req := Request{ShardID: "shard-a", Statements: []Statement{
		{SQL: "INSERT INTO t VALUES ('way more than ten bytes')"},
	}}
	_, err := p.Process(context.Background(), req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Code != gwerrors.ResourceLimit {
		t.Fatalf("expected ResourceLimit, got %v", err)
	}
}

func TestProcess_RejectsNonMutationStatement(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, nil)

	req := Request{ShardID: "shard-a", Statements: []Statement{
		{SQL: "SELECT * FROM t"},
	}}
	_, err := p.Process(context.Background(), req)
	ge, ok := gwerrors.As(err)
	if !ok || ge.Code != gwerrors.InvalidQuery {
		t.Fatalf("expected InvalidQuery, got %v", err)
	}
}

func TestProcess_IdempotentReplayReturnsRecordedResponse(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, nil)

	req := Request{ShardID: "shard-a", IdempotencyKey: "key-1", Statements: []Statement{{SQL: "INSERT INTO t VALUES (1)"}}}
	first, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ex.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", ex.calls.Load())
	}
	if first.Results[0].Version != second.Results[0].Version {
		t.Fatal("replay must return the byte-identical recorded response")
	}
}

func TestProcess_ConcurrentReplaysBlockUntilFirstCompletes(t *testing.T) {
	ex := &fakeExecutor{delay: 50 * time.Millisecond}
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, nil)

	req := Request{ShardID: "shard-a", IdempotencyKey: "key-2", Statements: []Statement{{SQL: "INSERT INTO t VALUES (1)"}}}

	var wg sync.WaitGroup
	results := make([]*Response, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := p.Process(context.Background(), req)
			if err != nil {
				t.Error(err)
				return
			}
			results[idx] = resp
		}(i)
	}
	wg.Wait()

	if ex.calls.Load() != 1 {
		t.Fatalf("expected exactly one execution across concurrent replays, got %d", ex.calls.Load())
	}
	for _, r := range results {
		if r.Results[0].Version != results[0].Results[0].Version {
			t.Fatal("all concurrent replays must observe the same recorded response")
		}
	}
}

type fakeDurable struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newFakeDurable() *fakeDurable { return &fakeDurable{records: make(map[string][]byte)} }

func (f *fakeDurable) SaveIdempotencyRecord(_ context.Context, key string, resp interface{}) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[key] = data
	return nil
}

func (f *fakeDurable) GetIdempotencyRecord(_ context.Context, key string, out interface{}) (bool, error) {
	f.mu.Lock()
	data, ok := f.records[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func TestProcess_RestartReplaysFromDurableStore(t *testing.T) {
	ex := &fakeExecutor{}
	durable := newFakeDurable()
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, durable)

	req := Request{ShardID: "shard-a", IdempotencyKey: "key-3", Statements: []Statement{{SQL: "INSERT INTO t VALUES (1)"}}}
	first, err := p.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a restart: a fresh Processor with an empty in-memory map but
	// the same durable store behind it.
	restarted := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, durable)
	second, err := restarted.Process(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if ex.calls.Load() != 1 {
		t.Fatalf("expected no re-execution after restart, got %d calls", ex.calls.Load())
	}
	if first.Results[0].Version != second.Results[0].Version {
		t.Fatal("replay after restart must return the byte-identical recorded response")
	}
}

func TestProcess_WithoutIdempotencyKeyAlwaysExecutes(t *testing.T) {
	ex := &fakeExecutor{}
	p := NewProcessor(ex, Limits{MaxOps: 10, MaxBytes: 10000}, nil)

	req := Request{ShardID: "shard-a", Statements: []Statement{{SQL: "INSERT INTO t VALUES (1)"}}}
	p.Process(context.Background(), req)
	p.Process(context.Background(), req)
	if ex.calls.Load() != 2 {
		t.Fatalf("expected two executions without an idempotency key, got %d", ex.calls.Load())
	}
}
