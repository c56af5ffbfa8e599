package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/sqlclass"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	SQL           string          `json:"sql,omitempty"`
	Params        []interface{}   `json:"params,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWS serves spec.md §6's /ws transport: begin/query/commit/rollback
// envelopes over one long-lived connection, with begin pinning the session
// to a single shard for its duration so every subsequent query on that
// transaction lands on the same actor.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var boundTx string
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if boundTx != "" {
				s.unbindTransaction(boundTx)
			}
			return
		}

		switch env.Type {
		case "begin":
			route, err := s.deps.RoutingStore.GetActive().Resolve(p.TenantID)
			if err != nil {
				s.wsErrorClose(conn, env.ID, boundTx, err)
				return
			}
			boundTx = uuid.NewString()
			s.bindTransaction(boundTx, route.ShardID)
			s.wsReply(conn, env.ID, "begin", map[string]string{"transactionId": boundTx})

		case "query":
			if boundTx == "" || env.TransactionID != boundTx {
				s.wsErrorClose(conn, env.ID, boundTx, gwerrors.New(gwerrors.InvalidQuery, "query requires an active transaction started with begin"))
				return
			}
			shardID, _ := s.shardForTransaction(boundTx)
			rewritten, err := s.deps.Filter.Rewrite(env.SQL, p.TenantID)
			if err != nil {
				s.wsErrorClose(conn, env.ID, boundTx, err)
				return
			}
			// Transactional reads bypass the cache and talk straight to
			// the pinned shard: a session mid-transaction needs to see
			// its own writes, which a stale-while-revalidate cache entry
			// cannot guarantee.
			res, err := s.deps.Resolve(shardID).Execute(r.Context(), rewritten, env.Params, sqlclass.HintStrong)
			if err != nil {
				s.wsErrorClose(conn, env.ID, boundTx, err)
				return
			}
			data, _ := json.Marshal(res)
			s.wsReplyRaw(conn, env.ID, "query", data)

		case "commit", "rollback":
			if boundTx != "" {
				s.unbindTransaction(boundTx)
				boundTx = ""
			}
			s.wsReply(conn, env.ID, env.Type, nil)

		default:
			s.wsErrorClose(conn, env.ID, boundTx, gwerrors.New(gwerrors.InvalidQuery, "unknown envelope type %q", env.Type))
			return
		}
	}
}

func (s *Server) wsReply(conn *websocket.Conn, id, typ string, data interface{}) {
	raw, _ := json.Marshal(data)
	s.wsReplyRaw(conn, id, typ, raw)
}

func (s *Server) wsReplyRaw(conn *websocket.Conn, id, typ string, data json.RawMessage) {
	_ = conn.WriteJSON(wsEnvelope{Type: typ, ID: id, Data: data})
}

func (s *Server) wsError(conn *websocket.Conn, id string, err error) *gwerrors.GatewayError {
	ge, ok := gwerrors.As(err)
	if !ok {
		ge = gwerrors.New(gwerrors.InternalError, "%v", err)
	}
	_ = conn.WriteJSON(wsEnvelope{Type: "error", ID: id, Error: &wireError{Code: string(ge.Code), Message: ge.Message}})
	return ge
}

// wsErrorClose writes the error envelope and then closes the connection
// with a non-1000 close code, per spec.md §6/§7: "streaming endpoints emit
// an error envelope on the WebSocket and close with a non-1000 code." Any
// transaction the session was holding is released first so the pinned
// shard isn't leaked.
func (s *Server) wsErrorClose(conn *websocket.Conn, id, boundTx string, err error) {
	if boundTx != "" {
		s.unbindTransaction(boundTx)
	}
	ge := s.wsError(conn, id, err)
	closeCode := websocket.CloseInternalServerErr
	if ge.Code == gwerrors.InvalidQuery || ge.Code == gwerrors.AuthError || ge.Code == gwerrors.PermissionError {
		closeCode = websocket.ClosePolicyViolation
	}
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ge.Message), deadline)
}
