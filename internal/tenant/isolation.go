// Package tenant implements the Tenant Isolation Filter (spec.md §4.2) and
// a per-tenant quota guard supplementing it (SPEC_FULL.md "Supplemented
// features").
package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/sqlclass"
)

// systemTableAllowlist are table names DDL may target without a tenant
// prefix, per spec.md §4.2.
var systemTableAllowlist = map[string]bool{
	"migrations":      true,
	"schema_versions":  true,
	"system_config":    true,
}

var (
	whereRe       = regexp.MustCompile(`(?is)\bwhere\b`)
	clauseSplitRe = regexp.MustCompile(`(?is)\b(group\s+by|order\s+by|limit)\b`)
	insertColsRe  = regexp.MustCompile(`(?is)^(\s*insert\s+into\s+[a-zA-Z0-9_\x60]+\s*)\(([^)]*)\)(\s*values\s*)(.*)$`)
	valuesTupleRe = regexp.MustCompile(`\(([^()]*)\)`)
)

// Filter rewrites statements so every row read or mutated is scoped to one
// tenant. Strict controls the INSERT-without-column-list behavior (spec.md
// §9 Open Question #4): true rejects with INVALID_QUERY, false passes
// through with a logged warning.
type Filter struct {
	Strict bool
	Warnf  func(format string, args ...interface{})
}

// NewFilter constructs a Filter. If warnf is nil, warnings are discarded.
func NewFilter(strict bool, warnf func(string, ...interface{})) *Filter {
	if warnf == nil {
		warnf = func(string, ...interface{}) {}
	}
	return &Filter{Strict: strict, Warnf: warnf}
}

// Rewrite applies spec.md §4.2's rules to sql for the given tenant.
func (f *Filter) Rewrite(sql, tenantID string) (string, error) {
	if tenantID == "" {
		return "", gwerrors.New(gwerrors.AuthError, "missing tenant context")
	}

	escaped := escapeLiteral(tenantID)
	c := sqlclass.Classify(sql)

	switch c.Kind {
	case sqlclass.KindSelect, sqlclass.KindUpdate, sqlclass.KindDelete:
		return f.injectPredicate(sql, escaped), nil
	case sqlclass.KindInsert:
		return f.rewriteInsert(sql, escaped)
	case sqlclass.KindDDL:
		f.checkDDLNaming(sql, c.Table, tenantID)
		return sql, nil
	default:
		return "", gwerrors.New(gwerrors.InvalidQuery, "cannot classify statement for tenant isolation")
	}
}

// injectPredicate adds `tenant_id = '{tenant}'` to the WHERE clause,
// combining with any existing predicate via AND, or inserts a new WHERE
// clause immediately before GROUP BY / ORDER BY / LIMIT / end-of-statement.
func (f *Filter) injectPredicate(sql, escapedTenant string) string {
	predicate := fmt.Sprintf("tenant_id = '%s'", escapedTenant)

	if loc := whereRe.FindStringIndex(sql); loc != nil {
		insertAt := loc[1]
		return sql[:insertAt] + " " + predicate + " AND" + sql[insertAt:]
	}

	if loc := clauseSplitRe.FindStringIndex(sql); loc != nil {
		insertAt := loc[0]
		return strings.TrimRight(sql[:insertAt], " ") + " WHERE " + predicate + " " + sql[insertAt:]
	}

	return strings.TrimRight(sql, " ;") + " WHERE " + predicate
}

// rewriteInsert appends tenant_id to the column list and tenant value to
// every value tuple. Statements without an explicit column list are
// rejected in strict mode, or passed through with a warning otherwise.
func (f *Filter) rewriteInsert(sql, escapedTenant string) (string, error) {
	m := insertColsRe.FindStringSubmatch(sql)
	if m == nil {
		if f.Strict {
			return "", gwerrors.New(gwerrors.InvalidQuery, "INSERT without explicit column list is rejected under strict tenant isolation")
		}
		f.Warnf("INSERT without column list passed through unmodified; tenant isolation not enforced: %s", sql)
		return sql, nil
	}

	prefix, cols, valuesKw, rest := m[1], m[2], m[3], m[4]

	if hasColumnCaseInsensitive(cols, "tenant_id") {
		return sql, nil
	}

	newCols := strings.TrimRight(cols, " ") + ", tenant_id"

	newRest := valuesTupleRe.ReplaceAllStringFunc(rest, func(tuple string) string {
		inner := tuple[1 : len(tuple)-1]
		return "(" + inner + ", '" + escapedTenant + "')"
	})

	return prefix + "(" + newCols + ")" + valuesKw + newRest, nil
}

// checkDDLNaming verifies a new table name is tenant-prefixed or
// system-allowlisted; non-compliant DDL is allowed through with a warning
// per spec.md §4.2 ("implementations SHOULD verify ... Non-compliant DDL
// is allowed with a warning").
func (f *Filter) checkDDLNaming(sql, table, tenantID string) {
	if table == "" {
		return
	}
	lower := strings.ToLower(table)
	if systemTableAllowlist[lower] {
		return
	}
	prefix := strings.ToLower(tenantID) + "_"
	if strings.HasPrefix(lower, prefix) {
		return
	}
	f.Warnf("DDL table %q is neither tenant-prefixed (%s) nor system-allowlisted: %s", table, prefix, sql)
}

func hasColumnCaseInsensitive(cols, name string) bool {
	for _, c := range strings.Split(cols, ",") {
		c = strings.Trim(strings.TrimSpace(c), "`")
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// escapeLiteral doubles every single quote in s, per spec.md §4.2.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
