package transport

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strconv"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

func encodeRows(rows []map[string]interface{}) []byte {
	data, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func encodeExec(res shardclient.ExecResult) json.RawMessage {
	data, _ := json.Marshal(res)
	return data
}

// fingerprint derives a stable cache-key suffix for a rewritten statement
// plus its bound parameters, following the same fnv hashing idiom
// internal/tenant's quota shard selector already uses elsewhere in this
// module.
func fingerprint(sql string, params []interface{}) string {
	h := fnv.New64a()
	h.Write([]byte(sql))
	for _, p := range params {
		h.Write([]byte(toFingerprintString(p)))
		h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

func toFingerprintString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// resolveHint merges a body-supplied consistency hint over whatever the
// classifier extracted from an inline /*+ ... */ directive, then applies
// spec.md §4.1's bounded-by-default fallback.
func resolveHint(c sqlclass.Classification, req *hintRequest) sqlclass.Hint {
	if req != nil {
		switch req.Consistency {
		case "strong":
			return sqlclass.HintStrong
		case "bounded":
			return sqlclass.HintBounded
		case "cached", "weak":
			return sqlclass.HintCached
		}
	}
	return sqlclass.ResolveDefault(c.Hint)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	ge, ok := gwerrors.As(err)
	if !ok {
		ge = gwerrors.New(gwerrors.InternalError, "%v", err)
	}
	writeJSONError(w, ge.HTTPStatus(), ge)
}

func writeJSONError(w http.ResponseWriter, status int, ge *gwerrors.GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ge)
}
