package transport

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/workersql/gateway/internal/gwerrors"
)

type splitPlanRequest struct {
	Action   string   `json:"action"` // "create" | "dualWrite" | "backfill" | "tail" | "cutover" | "rollback"
	PlanID   string   `json:"planId"`
	Source   string   `json:"source,omitempty"`
	Target   string   `json:"target,omitempty"`
	Tenants  []string `json:"tenants,omitempty"`
	Tables   []string `json:"tables,omitempty"`
	PageSize int      `json:"pageSize,omitempty"`
}

// handleSplitAdmin implements GET|POST /admin/shards/split: GET returns a
// plan snapshot by ?planId, POST drives one lifecycle transition per
// spec.md §6's "plan CRUD + lifecycle triggers".
func (s *Server) handleSplitAdmin(w http.ResponseWriter, r *http.Request, _ principal) {
	if r.Method == http.MethodGet {
		plan, err := s.deps.Split.Get(r.URL.Query().Get("planId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	var req splitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed split request: %v", err))
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "create":
		plan, err := s.deps.Split.StartPlan(ctx, req.PlanID, req.Source, req.Target, req.Tenants)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	case "dualWrite":
		if err := s.deps.Split.StartDualWrite(ctx, req.PlanID); err != nil {
			writeError(w, err)
			return
		}
		s.replyPlan(w, req.PlanID)
	case "backfill":
		pageSize := req.PageSize
		if pageSize <= 0 {
			pageSize = 500
		}
		if err := s.deps.Split.RunBackfill(ctx, req.PlanID, req.Tables, pageSize); err != nil {
			writeError(w, err)
			return
		}
		s.replyPlan(w, req.PlanID)
	case "tail":
		caughtUp, err := s.deps.Split.ReplayTail(ctx, req.PlanID, 500)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"caughtUp": caughtUp})
	case "cutover":
		if err := s.deps.Split.Cutover(ctx, req.PlanID); err != nil {
			writeError(w, err)
			return
		}
		s.replyPlan(w, req.PlanID)
	case "rollback":
		if err := s.deps.Split.Rollback(ctx, req.PlanID); err != nil {
			writeError(w, err)
			return
		}
		s.replyPlan(w, req.PlanID)
	default:
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "unknown split action %q", req.Action))
	}
}

func (s *Server) replyPlan(w http.ResponseWriter, id string) {
	plan, err := s.deps.Split.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type exportRequest struct {
	ShardID  string `json:"shardId"`
	Table    string `json:"table"`
	TenantID string `json:"tenantId,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// handleAdminExport implements POST /admin/export, forwarding directly to
// the target shard actor's Export.
func (s *Server) handleAdminExport(w http.ResponseWriter, r *http.Request, _ principal) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed export request: %v", err))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, next, err := s.deps.Resolve(req.ShardID).Export(r.Context(), req.Table, req.TenantID, req.Cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows, "nextCursor": next})
}

type importRequest struct {
	ShardID string                   `json:"shardId"`
	Table   string                   `json:"table"`
	Rows    []map[string]interface{} `json:"rows"`
}

// handleAdminImport implements POST /admin/import, forwarding to the
// target shard actor's Import, which upserts by primary key.
func (s *Server) handleAdminImport(w http.ResponseWriter, r *http.Request, _ principal) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed import request: %v", err))
		return
	}
	if err := s.deps.Resolve(req.ShardID).Import(r.Context(), req.Table, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type eventsRequest struct {
	ShardID string `json:"shardId"`
	AfterID uint64 `json:"afterId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// handleAdminEvents implements POST /admin/events, reading a shard's
// mutation log tail.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request, _ principal) {
	var req eventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed events request: %v", err))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}
	events, err := s.deps.Resolve(req.ShardID).Events(r.Context(), req.AfterID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type backupRequest struct {
	ShardID string `json:"shardId"`
	Table   string `json:"table"`
}

// handleBackupR2 stages a full-table export for upload to object storage.
// Persistent object storage is one of the external collaborators spec.md
// §1 places out of scope, and no R2/S3 client is wired into this module,
// so this performs the export and logs the staged row count, noting that
// no upload destination is configured; nothing is uploaded.
func (s *Server) handleBackupR2(w http.ResponseWriter, r *http.Request, _ principal) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed backup request: %v", err))
		return
	}
	rows, err := s.exportAll(r.Context(), req.ShardID, req.Table)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("transport: backup/r2 staged %d rows for shard=%s table=%s (no upload destination configured)", len(rows), req.ShardID, req.Table)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"staged": len(rows)})
}

// handleBackupExport implements GET /admin/backup/export: a synchronous
// full-table dump, for an operator to pipe to wherever they're keeping
// backups themselves.
func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request, _ principal) {
	shardID := r.URL.Query().Get("shardId")
	table := r.URL.Query().Get("table")
	if shardID == "" || table == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "shardId and table query parameters are required"))
		return
	}
	rows, err := s.exportAll(r.Context(), shardID, table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (s *Server) exportAll(ctx context.Context, shardID, table string) ([]map[string]interface{}, error) {
	actor := s.deps.Resolve(shardID)
	var all []map[string]interface{}
	cursor := ""
	for {
		rows, next, err := actor.Export(ctx, table, "", cursor, 1000)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
}

// handleGraphQLPassthrough implements POST /admin/graphql. spec.md §6
// describes this endpoint as "log query passthrough"; no GraphQL execution
// engine is in scope for the gateway, so the received query is logged and
// acknowledged, not executed.
func (s *Server) handleGraphQLPassthrough(w http.ResponseWriter, r *http.Request, p principal) {
	body, _ := io.ReadAll(r.Body)
	log.Printf("transport: admin graphql passthrough tenant=%s query=%s", p.TenantID, string(body))
	writeJSON(w, http.StatusAccepted, map[string]bool{"logged": true})
}
