// Package shardclient implements the Shard Actor Client (spec.md §4.5):
// single-writer RPC to a shard actor, wrapped by a per-shard Circuit
// Breaker (spec.md §4.10).
//
// Adapted from replication_engine_v3.go's connection-pool and
// circuit-breaker machinery. Its lock-free task queue, fixed-size
// byte arrays, cache-line padding, and auto-scaling worker pool are a
// correctness-risky style this codebase does not need at gateway scale
// (shard RPC is a handful of outstanding calls per shard, not a
// replication firehose); kept are the ideas that generalize directly: an
// http.Transport configured for HTTP/2 with bounded idle connections, one
// pooled *http.Client per shard, and a breaker gating every call. See
// DESIGN.md.
package shardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/sqlclass"
)

// ExecResult is the shard actor's response to execute/executeBatch.
type ExecResult struct {
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowsAffected int64                    `json:"rowsAffected"`
	InsertID     int64                    `json:"insertId,omitempty"`
	Version      uint64                   `json:"version"`
}

// MutationEvent is one entry of a shard's append-only mutation log,
// consumed by replayTail (internal/split).
type MutationEvent struct {
	ID       uint64                 `json:"id"`
	TenantID string                 `json:"tenantId"`
	Kind     string                 `json:"kind"` // "mutation" | "ddl"
	SQL      string                 `json:"sql"`
	Params   []interface{}          `json:"params,omitempty"`
	Table    string                 `json:"table,omitempty"`
	Row      map[string]interface{} `json:"row,omitempty"`
}

// Actor is the black-box shard contract from spec.md §3/§4.5: execute,
// executeBatch, export, import, events. Both the HTTP-backed Client below
// and internal/shardsim's in-process simulator implement it, so the rest
// of the gateway (consistency engine, split controller) depends only on
// this interface.
type Actor interface {
	Execute(ctx context.Context, sql string, params []interface{}, hint sqlclass.Hint) (ExecResult, error)
	ExecuteBatch(ctx context.Context, stmts []string) (ExecResult, error)
	Export(ctx context.Context, table, tenantID, cursor string, limit int) (rows []map[string]interface{}, nextCursor string, err error)
	Import(ctx context.Context, table string, rows []map[string]interface{}) error
	Events(ctx context.Context, afterID uint64, limit int) ([]MutationEvent, error)
}

// Client is the Shard Actor Client: it resolves a ShardId to a pooled HTTP
// connection, wraps every call with that shard's Breaker, and propagates
// the caller's deadline onto the wire request.
type Client struct {
	pool     *Pool
	breakers *breakerRegistry
}

// New constructs a Client using pool for transport and the given breaker
// thresholds, sliding failure window, and cooldown for every shard it
// talks to.
func New(pool *Pool, failureThreshold, successThreshold int64, window, cooldown time.Duration) *Client {
	return &Client{
		pool:     pool,
		breakers: newBreakerRegistry(failureThreshold, successThreshold, window, cooldown),
	}
}

// BreakerState reports the circuit state for shardID, for /health and /metrics.
func (c *Client) BreakerState(shardID string) string {
	return c.breakers.get(shardID).State()
}

// Execute runs a single statement on shardID via the pooled HTTP/2 client,
// subject to the shard's breaker.
func (c *Client) Execute(ctx context.Context, shardID, sql string, params []interface{}, hint sqlclass.Hint) (ExecResult, error) {
	breaker := c.breakers.get(shardID)
	if !breaker.Allow() {
		return ExecResult{}, gwerrors.New(gwerrors.ConnectionError, "circuit open for shard %s", shardID)
	}

	res, err := c.call(ctx, shardID, "/execute", map[string]interface{}{
		"sql": sql, "params": params, "hint": hint,
	})
	if err != nil {
		breaker.RecordFailure()
		return ExecResult{}, err
	}
	breaker.RecordSuccess()
	return res, nil
}

// ExecuteBatch runs stmts atomically on the shard actor, subject to the
// shard's breaker.
func (c *Client) ExecuteBatch(ctx context.Context, shardID string, stmts []string) (ExecResult, error) {
	breaker := c.breakers.get(shardID)
	if !breaker.Allow() {
		return ExecResult{}, gwerrors.New(gwerrors.ConnectionError, "circuit open for shard %s", shardID)
	}

	res, err := c.call(ctx, shardID, "/executeBatch", map[string]interface{}{"stmts": stmts})
	if err != nil {
		breaker.RecordFailure()
		return ExecResult{}, err
	}
	breaker.RecordSuccess()
	return res, nil
}

// Export pages rows for table/tenantID on shardID starting at cursor,
// bypassing the breaker: backfill pacing is the split controller's job,
// not the breaker's.
func (c *Client) Export(ctx context.Context, shardID, table, tenantID, cursor string, limit int) ([]map[string]interface{}, string, error) {
	var out struct {
		Rows       []map[string]interface{} `json:"rows"`
		NextCursor string                   `json:"nextCursor"`
	}
	if err := c.callInto(ctx, shardID, "/export", map[string]interface{}{
		"table": table, "tenantId": tenantID, "cursor": cursor, "limit": limit,
	}, &out); err != nil {
		return nil, "", err
	}
	return out.Rows, out.NextCursor, nil
}

// Import upserts rows into table on shardID, keyed by primary key per
// spec.md §4.8's idempotent-import requirement.
func (c *Client) Import(ctx context.Context, shardID, table string, rows []map[string]interface{}) error {
	_, err := c.call(ctx, shardID, "/import", map[string]interface{}{"table": table, "rows": rows})
	return err
}

// Events pulls the mutation log of shardID after afterID, for tail replay.
func (c *Client) Events(ctx context.Context, shardID string, afterID uint64, limit int) ([]MutationEvent, error) {
	var out struct {
		Events []MutationEvent `json:"events"`
	}
	if err := c.callInto(ctx, shardID, "/events", map[string]interface{}{"afterId": afterID, "limit": limit}, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// boundActor pins a Client to one shardID so callers that only know the
// single-shard Actor contract (internal/split's backfill/tail replay) don't
// need to thread shardID through every call.
type boundActor struct {
	client  *Client
	shardID string
}

// Actor returns shardID bound to c as an Actor, satisfying the same
// interface internal/shardsim.Actor does.
func (c *Client) Actor(shardID string) Actor {
	return boundActor{client: c, shardID: shardID}
}

func (b boundActor) Execute(ctx context.Context, sql string, params []interface{}, hint sqlclass.Hint) (ExecResult, error) {
	return b.client.Execute(ctx, b.shardID, sql, params, hint)
}

func (b boundActor) ExecuteBatch(ctx context.Context, stmts []string) (ExecResult, error) {
	return b.client.ExecuteBatch(ctx, b.shardID, stmts)
}

func (b boundActor) Export(ctx context.Context, table, tenantID, cursor string, limit int) ([]map[string]interface{}, string, error) {
	return b.client.Export(ctx, b.shardID, table, tenantID, cursor, limit)
}

func (b boundActor) Import(ctx context.Context, table string, rows []map[string]interface{}) error {
	return b.client.Import(ctx, b.shardID, table, rows)
}

func (b boundActor) Events(ctx context.Context, afterID uint64, limit int) ([]MutationEvent, error) {
	return b.client.Events(ctx, b.shardID, afterID, limit)
}

func (c *Client) call(ctx context.Context, shardID, path string, body interface{}) (ExecResult, error) {
	var res ExecResult
	err := c.callInto(ctx, shardID, path, body, &res)
	return res, err
}

func (c *Client) callInto(ctx context.Context, shardID, path string, body interface{}, out interface{}) error {
	httpClient, baseURL, err := c.pool.ClientFor(shardID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return gwerrors.New(gwerrors.InternalError, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gwerrors.New(gwerrors.InternalError, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return gwerrors.New(gwerrors.TimeoutError, "shard %s deadline exceeded: %v", shardID, err)
		}
		return gwerrors.New(gwerrors.ConnectionError, "shard %s unreachable: %v", shardID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gwerrors.New(gwerrors.ConnectionError, "shard %s: reading response: %v", shardID, err)
	}

	if resp.StatusCode >= 400 {
		return gwerrors.New(gwerrors.ConnectionError, "shard %s responded %d: %s", shardID, resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return gwerrors.New(gwerrors.InternalError, "shard %s: decode response: %v", shardID, err)
	}
	return nil
}
