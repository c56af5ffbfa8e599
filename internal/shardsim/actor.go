// Package shardsim provides an in-process implementation of the shard
// actor contract spec.md §3 treats as an external black box: execute,
// export, import, events. It is a reference/test double, not a SQL
// engine — the gateway never ships this as the real shard actor, which
// spec.md §1 explicitly places out of scope.
//
// Grounded on torua's internal/shard.Shard: an in-memory row store with
// one RWMutex per table, plus a mutex-guarded version counter and mutation
// log; torua's atomic counters and shard lifecycle state are not kept. Torua's
// consistent-hash key ownership is not reused (this simulator owns all of
// its own tenants outright, routing.Store decides ownership upstream); see
// DESIGN.md.
package shardsim

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

var (
	insertRe    = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+` + "`" + `?(\w+)` + "`" + `?\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)`)
	updateTblRe = regexp.MustCompile(`(?is)^\s*UPDATE\s+` + "`" + `?(\w+)` + "`" + `?\s+SET`)
	deleteTblRe = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+` + "`" + `?(\w+)` + "`" + `?`)
)

// row is a generic record keyed by its "id" column.
type row = map[string]interface{}

type table struct {
	mu   sync.RWMutex
	rows map[string]row // pk -> row
}

// Actor is an in-process shard: a set of tables plus an append-only
// mutation log, matching the contract shardclient.Actor requires.
type Actor struct {
	ID string

	mu      sync.Mutex
	tables  map[string]*table
	version uint64
	log     []shardclient.MutationEvent
	nextEvt uint64
}

// New constructs an empty simulated shard actor identified by id.
func New(id string) *Actor {
	return &Actor{ID: id, tables: make(map[string]*table)}
}

func (a *Actor) tableFor(name string) *table {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tables[name]
	if !ok {
		t = &table{rows: make(map[string]row)}
		a.tables[name] = t
	}
	return t
}

// Execute applies sql/params against the in-memory tables, following the
// minimal `INSERT INTO t (cols) VALUES (v)` / `UPDATE t SET ... WHERE
// id=?` / `DELETE FROM t WHERE id=?` shapes the gateway emits. It bumps
// the shard's monotonic version and appends a mutation log entry on every
// applied write.
func (a *Actor) Execute(_ context.Context, sql string, params []interface{}, hint sqlclass.Hint) (shardclient.ExecResult, error) {
	kind := sqlclass.Classify(sql).Kind

	switch kind {
	case sqlclass.KindSelect:
		return a.execSelect(sql, params)
	case sqlclass.KindInsert:
		return a.execInsert(sql, params)
	case sqlclass.KindUpdate:
		return a.execUpdate(sql, params)
	case sqlclass.KindDelete:
		return a.execDelete(sql, params)
	default:
		return shardclient.ExecResult{}, gwerrors.New(gwerrors.InvalidQuery, "shardsim: unsupported statement: %s", sql)
	}
}

func (a *Actor) execSelect(sql string, params []interface{}) (shardclient.ExecResult, error) {
	// The simulator has no query planner; selects simply hand back every
	// row currently stored so callers can verify write-then-read paths.
	tableName := extractFromTable(sql)
	t := a.tableFor(tableName)
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]row, 0, len(t.rows))
	for _, r := range t.rows {
		rows = append(rows, r)
	}
	return shardclient.ExecResult{Rows: rows, Version: a.currentVersion()}, nil
}

func (a *Actor) execInsert(sql string, params []interface{}) (shardclient.ExecResult, error) {
	m := insertRe.FindStringSubmatch(sql)
	if m == nil {
		return shardclient.ExecResult{}, gwerrors.New(gwerrors.InvalidQuery, "shardsim: cannot parse insert: %s", sql)
	}
	tableName := m[1]
	cols := splitCSV(m[2])

	values := params
	if len(values) == 0 {
		values = parseLiteralValues(m[3])
	}
	if len(values) != len(cols) {
		return shardclient.ExecResult{}, gwerrors.New(gwerrors.InvalidQuery, "shardsim: column/param count mismatch for insert into %s", tableName)
	}

	r := make(row, len(cols))
	for i, c := range cols {
		r[c] = values[i]
	}
	pk := fmt.Sprintf("%v", r["id"])

	t := a.tableFor(tableName)
	t.mu.Lock()
	t.rows[pk] = r
	t.mu.Unlock()

	version := a.recordMutation("mutation", "", tableName, r, sql, params)
	return shardclient.ExecResult{RowsAffected: 1, InsertID: toInt64(r["id"]), Version: version}, nil
}

func (a *Actor) execUpdate(sql string, params []interface{}) (shardclient.ExecResult, error) {
	m := updateTblRe.FindStringSubmatch(sql)
	if m == nil || len(params) == 0 {
		return shardclient.ExecResult{}, gwerrors.New(gwerrors.InvalidQuery, "shardsim: cannot parse update: %s", sql)
	}
	tableName := m[1]
	pk := fmt.Sprintf("%v", params[len(params)-1])

	t := a.tableFor(tableName)
	t.mu.Lock()
	r, ok := t.rows[pk]
	if ok {
		r["_updatedWith"] = params[:len(params)-1]
	}
	t.mu.Unlock()

	var affected int64
	if ok {
		affected = 1
	}
	version := a.recordMutation("mutation", "", tableName, r, sql, params)
	return shardclient.ExecResult{RowsAffected: affected, Version: version}, nil
}

func (a *Actor) execDelete(sql string, params []interface{}) (shardclient.ExecResult, error) {
	m := deleteTblRe.FindStringSubmatch(sql)
	if m == nil || len(params) == 0 {
		return shardclient.ExecResult{}, gwerrors.New(gwerrors.InvalidQuery, "shardsim: cannot parse delete: %s", sql)
	}
	tableName := m[1]
	pk := fmt.Sprintf("%v", params[len(params)-1])

	t := a.tableFor(tableName)
	t.mu.Lock()
	_, ok := t.rows[pk]
	delete(t.rows, pk)
	t.mu.Unlock()

	var affected int64
	if ok {
		affected = 1
	}
	version := a.recordMutation("mutation", "", tableName, nil, sql, params)
	return shardclient.ExecResult{RowsAffected: affected, Version: version}, nil
}

// ExecuteBatch applies each statement in order through Execute and stops
// at the first failing statement. It is not atomic: statements applied
// before the failure stay applied, and the simulator holds no cross-table
// lock, so other calls may interleave between statements.
func (a *Actor) ExecuteBatch(ctx context.Context, stmts []string) (shardclient.ExecResult, error) {
	var total shardclient.ExecResult
	for _, sql := range stmts {
		res, err := a.Execute(ctx, sql, nil, sqlclass.HintStrong)
		if err != nil {
			return shardclient.ExecResult{}, err
		}
		total.RowsAffected += res.RowsAffected
		total.Version = res.Version
	}
	return total, nil
}

// Export pages rows of table belonging to tenantID, ordered by primary key
// so cursor is a stable resumption point for backfill.
func (a *Actor) Export(_ context.Context, tableName, tenantID, cursor string, limit int) ([]map[string]interface{}, string, error) {
	t := a.tableFor(tableName)
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.rows))
	for pk, r := range t.rows {
		if tenantID == "" || fmt.Sprintf("%v", r["tenantId"]) == tenantID {
			keys = append(keys, pk)
		}
	}
	sort.Strings(keys)

	start := 0
	if cursor != "" {
		idx := sort.SearchStrings(keys, cursor)
		if idx < len(keys) && keys[idx] == cursor {
			start = idx + 1
		} else {
			start = idx
		}
	}

	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	if start > len(keys) {
		start = len(keys)
	}

	rows := make([]map[string]interface{}, 0, end-start)
	var next string
	for _, pk := range keys[start:end] {
		rows = append(rows, t.rows[pk])
		next = pk
	}
	return rows, next, nil
}

// Import upserts rows into table keyed by "id", satisfying spec.md §4.8's
// requirement that imports be idempotent.
func (a *Actor) Import(_ context.Context, tableName string, rows []map[string]interface{}) error {
	t := a.tableFor(tableName)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		pk := fmt.Sprintf("%v", r["id"])
		t.rows[pk] = r
	}
	return nil
}

// Events returns the mutation log after afterID, for tail replay.
func (a *Actor) Events(_ context.Context, afterID uint64, limit int) ([]shardclient.MutationEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []shardclient.MutationEvent
	for _, e := range a.log {
		if e.ID > afterID {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (a *Actor) recordMutation(kind, tenantID, tableName string, r row, sql string, params []interface{}) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	a.nextEvt++
	tid := tenantID
	if tid == "" && r != nil {
		tid = fmt.Sprintf("%v", r["tenantId"])
	}
	a.log = append(a.log, shardclient.MutationEvent{
		ID: a.nextEvt, TenantID: tid, Kind: kind, SQL: sql, Params: params, Table: tableName, Row: r,
	})
	return a.version
}

func (a *Actor) currentVersion() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func extractFromTable(sql string) string {
	re := regexp.MustCompile(`(?is)FROM\s+` + "`" + `?(\w+)` + "`" + `?`)
	m := re.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return m[1]
}

// parseLiteralValues splits a VALUES(...) tuple's inner text on commas and
// unquotes any single-quoted string literal, covering the literal-value
// statements ExecuteBatch constructs without a params slice.
func parseLiteralValues(s string) []interface{} {
	parts := splitCSV(s)
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) >= 2 && p[0] == '\'' && p[len(p)-1] == '\'' {
			out[i] = strings.ReplaceAll(p[1:len(p)-1], "''", "'")
		} else {
			out[i] = p
		}
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), "`"))
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
