package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/workersql/gateway/internal/cache"
	"github.com/workersql/gateway/internal/consistency"
	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/sqlclass"
)

// sqlRestriction narrows which statement kinds an endpoint accepts, the
// difference between /sql, /sql/mutation, and /sql/ddl.
type sqlRestriction int

const (
	restrictAny sqlRestriction = iota
	restrictMutation
	restrictDDL
)

type hintRequest struct {
	Consistency string `json:"consistency,omitempty"`
	BoundedMs   int64  `json:"boundedMs,omitempty"`
}

type sqlRequest struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params,omitempty"`
	Hints  *hintRequest  `json:"hints,omitempty"`
}

type sqlResponseMeta struct {
	ShardID   string `json:"shardId"`
	FromCache bool   `json:"fromCache"`
	Version   uint64 `json:"version"`
}

type sqlResponse struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data"`
	Cached        bool            `json:"cached"`
	ExecutionTime int64           `json:"executionTime"`
	Metadata      sqlResponseMeta `json:"metadata"`
}

// handleSQL implements /sql, /sql/mutation, and /sql/ddl: classify, rewrite
// for tenant isolation, enforce the endpoint's kind restriction and the
// tenant's quota, resolve the tenant's route for the response metadata,
// then dispatch to the consistency engine's Read or Write per spec.md §6.
func (s *Server) handleSQL(restrict sqlRestriction) func(http.ResponseWriter, *http.Request, principal) {
	return func(w http.ResponseWriter, r *http.Request, p principal) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), s.deps.Config.RequestDeadline)
		defer cancel()

		var req sqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed request body: %v", err))
			return
		}

		c := sqlclass.Classify(req.SQL)
		if err := checkRestriction(restrict, c); err != nil {
			writeError(w, err)
			return
		}

		if err := s.deps.Quota.Check(p.TenantID, 0); err != nil {
			writeError(w, err)
			return
		}

		rewritten, err := s.deps.Filter.Rewrite(req.SQL, p.TenantID)
		if err != nil {
			writeError(w, err)
			return
		}

		route, err := s.deps.RoutingStore.GetActive().Resolve(p.TenantID)
		if err != nil {
			writeError(w, err)
			return
		}

		if c.IsMutation {
			s.handleMutation(ctx, w, p, c, rewritten, req.Params, route.ShardID, start)
			return
		}
		s.handleRead(ctx, w, p, c, rewritten, req.Params, req.Hints, route.ShardID, start)
	}
}

func checkRestriction(restrict sqlRestriction, c sqlclass.Classification) error {
	switch restrict {
	case restrictMutation:
		if !c.IsMutation || c.Kind == sqlclass.KindDDL {
			return gwerrors.New(gwerrors.InvalidQuery, "/sql/mutation accepts only INSERT, UPDATE, or DELETE statements")
		}
	case restrictDDL:
		if c.Kind != sqlclass.KindDDL {
			return gwerrors.New(gwerrors.InvalidQuery, "/sql/ddl accepts only DDL statements")
		}
	default:
		if c.Kind == sqlclass.KindOther {
			return gwerrors.New(gwerrors.InvalidQuery, "cannot classify statement")
		}
	}
	return nil
}

func (s *Server) handleMutation(ctx context.Context, w http.ResponseWriter, p principal, c sqlclass.Classification, sql string, params []interface{}, shardID string, start time.Time) {
	// The engine's Write call routes through split.DualWriteProxy, whose
	// shardID parameter is resolved from the tenant's own routing entry
	// rather than taken literally; tenantID is passed there and shardID
	// above is only the real shard surfaced back to the caller.
	res, err := s.deps.Engine.Write(ctx, p.TenantID, p.TenantID, c.Table, sql, params)
	if err != nil {
		s.record("shard_rpc", p.TenantID, shardID, start, false, errCodeOf(err))
		writeError(w, err)
		return
	}
	s.record("shard_rpc", p.TenantID, shardID, start, true, "")
	writeJSON(w, http.StatusOK, sqlResponse{
		Success:       true,
		Data:          encodeExec(res),
		ExecutionTime: time.Since(start).Milliseconds(),
		Metadata:      sqlResponseMeta{ShardID: shardID, Version: res.Version},
	})
}

func (s *Server) handleRead(ctx context.Context, w http.ResponseWriter, p principal, c sqlclass.Classification, sql string, params []interface{}, hints *hintRequest, shardID string, start time.Time) {
	hint := resolveHint(c, hints)
	q := consistency.Query{
		ShardID:  p.TenantID,
		TenantID: p.TenantID,
		Table:    c.Table,
		CacheKey: cache.QueryKey(p.TenantID, c.Table, fingerprint(sql, params)),
		SQL:      sql,
		Params:   params,
		Hint:     hint,
	}

	result, err := s.deps.Engine.Read(ctx, q, encodeRows)
	if err != nil {
		s.record("shard_rpc", p.TenantID, shardID, start, false, errCodeOf(err))
		writeError(w, err)
		return
	}
	if result.Stale {
		s.deps.Metrics.RecordCacheStale()
	}
	s.record("cache_get", p.TenantID, shardID, start, true, "")
	writeJSON(w, http.StatusOK, sqlResponse{
		Success:       true,
		Data:          result.Data,
		Cached:        result.Cached,
		ExecutionTime: time.Since(start).Milliseconds(),
		Metadata:      sqlResponseMeta{ShardID: shardID, FromCache: result.Cached, Version: result.Version},
	})
}

func errCodeOf(err error) string {
	if ge, ok := gwerrors.As(err); ok {
		return string(ge.Code)
	}
	return string(gwerrors.InternalError)
}
