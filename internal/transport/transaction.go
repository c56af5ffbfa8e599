package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/workersql/gateway/internal/gwerrors"
)

type transactionRequest struct {
	Operation     string `json:"operation"`
	TransactionID string `json:"transactionId,omitempty"`
}

type transactionResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
}

// handleTransaction implements the non-WebSocket /transaction endpoint:
// BEGIN pins a server-generated transaction ID to the tenant's current
// shard, COMMIT/ROLLBACK release it. There is no cross-shard coordinator
// behind this — it is sticky routing for a sequence of calls on one shard,
// not a distributed transaction (spec.md's Non-goals exclude those).
func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request, p principal) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "malformed transaction body: %v", err))
		return
	}

	switch strings.ToUpper(req.Operation) {
	case "BEGIN":
		route, err := s.deps.RoutingStore.GetActive().Resolve(p.TenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		id := uuid.NewString()
		s.bindTransaction(id, route.ShardID)
		writeJSON(w, http.StatusOK, transactionResponse{Success: true, TransactionID: id})

	case "COMMIT", "ROLLBACK":
		if req.TransactionID == "" {
			writeError(w, gwerrors.New(gwerrors.InvalidQuery, "transactionId is required for %s", req.Operation))
			return
		}
		s.unbindTransaction(req.TransactionID)
		writeJSON(w, http.StatusOK, transactionResponse{Success: true, TransactionID: req.TransactionID})

	default:
		writeError(w, gwerrors.New(gwerrors.InvalidQuery, "unknown transaction operation %q", req.Operation))
	}
}
