package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/workersql/gateway/internal/batch"
	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/shardclient"
)

type batchStatementRequest struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params,omitempty"`
}

type batchRequest struct {
	Batch       []batchStatementRequest `json:"batch"`
	Transaction bool                    `json:"transaction,omitempty"`
	StopOnError bool                    `json:"stopOnError,omitempty"`
}

type batchResponseData struct {
	TotalRowsAffected int64                    `json:"totalRowsAffected"`
	Results           []shardclient.ExecResult `json:"results"`
}

type batchResponse struct {
	Success bool              `json:"success"`
	Data    batchResponseData `json:"data"`
}

// handleBatch implements /sql/batch: every statement is rewritten for
// tenant isolation, then executed as one ordered, atomic unit by
// batch.Processor, which also owns MAX_OPS/MAX_BYTES enforcement and
// Idempotency-Key dedup/replay per spec.md §4.9.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, p principal) {
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.Config.RequestDeadline)
	defer cancel()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed batch body: %v", err))
		return
	}

	route, err := s.deps.RoutingStore.GetActive().Resolve(p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	stmts := make([]batch.Statement, len(req.Batch))
	for i, st := range req.Batch {
		rewritten, err := s.deps.Filter.Rewrite(st.SQL, p.TenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		stmts[i] = batch.Statement{SQL: rewritten, Params: st.Params}
	}

	resp, err := s.deps.BatchProc.Process(ctx, batch.Request{
		ShardID:        route.ShardID,
		Statements:     stmts,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		if ge, ok := gwerrors.As(err); ok && ge.Code == gwerrors.ResourceLimit {
			writeJSONError(w, gwerrors.StatusForBatchLimit(), ge)
			return
		}
		writeError(w, err)
		return
	}

	var total int64
	for _, res := range resp.Results {
		total += res.RowsAffected
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Success: true,
		Data:    batchResponseData{TotalRowsAffected: total, Results: resp.Results},
	})
}
