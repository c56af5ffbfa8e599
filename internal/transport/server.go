// Package transport implements the External Interfaces (spec.md §6): every
// HTTP/JSON endpoint, the WebSocket session protocol, and the privileged
// /admin surface, wired to the internal components the rest of this module
// builds.
//
// Grounded on cmd/server/main.go's MinIOServer: a struct holding every
// subsystem plus one *http.Server, constructed and torn down in order, with
// ListenAndServe run from a goroutine and shutdown collected under one
// timeout context. The handler set itself has no MinIO analogue (MinIO
// serves objects, not SQL), so each handler is built fresh against
// spec.md §6's wire contracts; see DESIGN.md.
package transport

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/workersql/gateway/internal/batch"
	"github.com/workersql/gateway/internal/config"
	"github.com/workersql/gateway/internal/consistency"
	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/split"
	"github.com/workersql/gateway/internal/telemetry"
	"github.com/workersql/gateway/internal/tenant"
)

// Deps bundles every component Server dispatches requests to. cmd/gateway
// composes these from config.Config and its constructed subsystems and
// hands the bundle to NewServer, mirroring NewMinIOServer's construction
// shape one level up.
type Deps struct {
	Config       *config.Config
	Engine       *consistency.Engine
	RoutingStore *routing.Store
	Filter       *tenant.Filter
	Quota        *tenant.QuotaGuard
	BatchProc    *batch.Processor
	Split        *split.Controller
	Metrics      *telemetry.MetricsCollector

	// Resolve looks up the shardclient.Actor behind a shard ID, for the
	// handlers that bypass the consistency engine entirely: WS query
	// execution on a pinned transaction shard, and the admin
	// export/import/events/backup endpoints.
	Resolve split.ActorResolver
}

// Server serves spec.md §6's wire protocol over net/http, upgrading /ws to
// gorilla/websocket.
type Server struct {
	deps Deps

	httpServer *http.Server

	txMu sync.Mutex
	tx   map[string]string // transactionId -> shardID, sticky across WS/HTTP sessions

	tracer trace.Tracer
}

// NewServer builds a Server bound to addr with the given dependencies and
// registers every spec.md §6 route on its mux.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		tx:     make(map[string]string),
		tracer: telemetry.Tracer("transport"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sql", s.withAuth(s.handleSQL(restrictAny)))
	mux.HandleFunc("/sql/mutation", s.withAuth(s.handleSQL(restrictMutation)))
	mux.HandleFunc("/sql/ddl", s.withAuth(s.handleSQL(restrictDDL)))
	mux.HandleFunc("/sql/batch", s.withAuth(s.handleBatch))
	mux.HandleFunc("/transaction", s.withAuth(s.handleTransaction))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/admin/backup/r2", s.withAdmin(s.handleBackupR2))
	mux.HandleFunc("/admin/backup/export", s.withAdmin(s.handleBackupExport))
	mux.HandleFunc("/admin/graphql", s.withAdmin(s.handleGraphQLPassthrough))
	mux.HandleFunc("/admin/shards/split", s.withAdmin(s.handleSplitAdmin))
	mux.HandleFunc("/admin/export", s.withAdmin(s.handleAdminExport))
	mux.HandleFunc("/admin/import", s.withAdmin(s.handleAdminImport))
	mux.HandleFunc("/admin/events", s.withAdmin(s.handleAdminEvents))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  deps.Config.RequestDeadline,
		WriteTimeout: deps.Config.RequestDeadline,
	}
	return s
}

// Start launches the HTTP listener in a background goroutine, matching
// MinIOServer's non-blocking Start/Shutdown pair.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("transport: http server error: %v", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) bindTransaction(id, shardID string) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.tx[id] = shardID
}

func (s *Server) unbindTransaction(id string) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	delete(s.tx, id)
}

func (s *Server) shardForTransaction(id string) (string, bool) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	shardID, ok := s.tx[id]
	return shardID, ok
}

func (s *Server) record(op, tenantID, shardID string, start time.Time, success bool, errCode string) {
	s.deps.Metrics.RecordOperation(telemetry.OperationMetrics{
		OperationType: op,
		TenantID:      tenantID,
		ShardID:       shardID,
		Timestamp:     start,
		Duration:      time.Since(start),
		Success:       success,
		ErrorCode:     errCode,
	})
}
