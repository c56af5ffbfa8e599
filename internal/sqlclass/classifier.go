// Package sqlclass implements the SQL Classifier (spec.md §4.1): it looks
// at a raw statement string and returns its statement kind, target table,
// mutation flag, and consistency hint, without otherwise understanding the
// SQL.
//
// No available Go library ships a reusable SQL parser fitting this, so
// this is deliberately built on regexp/strings rather than a grounded
// third-party dependency; see DESIGN.md.
package sqlclass

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind is the statement class.
type Kind string

const (
	KindSelect Kind = "SELECT"
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindDDL    Kind = "DDL"
	KindOther  Kind = "OTHER"
)

// Hint is the resolved consistency hint.
type Hint string

const (
	HintStrong  Hint = "strong"
	HintBounded Hint = "bounded"
	HintCached  Hint = "cached"
	HintDefault Hint = "default"
)

// Classification is the result of classifying one statement.
type Classification struct {
	Kind        Kind
	Table       string
	IsMutation  bool
	Hint        Hint
	BoundedMs   int64 // only meaningful when Hint == HintBounded and a directive supplied N
}

var (
	hintDirectiveRe = regexp.MustCompile(`(?is)^\s*/\*\+\s*(strong|bounded(?:\s+(\d+))?|weak)\s*\*/`)

	selectRe = regexp.MustCompile(`(?is)^\s*select\b`)
	insertRe = regexp.MustCompile(`(?is)^\s*insert\s+into\s+([a-zA-Z0-9_\x60]+)`)
	updateRe = regexp.MustCompile(`(?is)^\s*update\s+([a-zA-Z0-9_\x60]+)`)
	deleteRe = regexp.MustCompile(`(?is)^\s*delete\s+from\s+([a-zA-Z0-9_\x60]+)`)
	ddlRe    = regexp.MustCompile(`(?is)^\s*(create|alter|drop|truncate)\s+(table|index|view|database|schema)?\s*(?:if\s+(?:not\s+)?exists\s+)?([a-zA-Z0-9_\x60]+)?`)
	fromRe   = regexp.MustCompile(`(?is)\bfrom\s+([a-zA-Z0-9_\x60]+)`)

	dropTableRe    = regexp.MustCompile(`(?is)^\s*drop\s+table\s+`)
	dropIfExistsRe = regexp.MustCompile(`(?is)^\s*drop\s+table\s+if\s+exists\b`)
	truncateRe     = regexp.MustCompile(`(?is)^\s*truncate\s+table\b`)
)

// Classify parses sql's leading hint directive (if any) and determines its
// statement kind and table. Malformed or unrecognized statements return
// Kind == KindOther; callers must refuse to route them (INVALID_QUERY).
func Classify(sql string) Classification {
	hint, boundedMs, body := extractHint(sql)

	c := Classification{Hint: hint, BoundedMs: boundedMs}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		c.Kind = KindOther
		return c
	}

	switch {
	case selectRe.MatchString(trimmed):
		c.Kind = KindSelect
		if m := fromRe.FindStringSubmatch(trimmed); m != nil {
			c.Table = unquote(m[1])
		}
	case insertRe.MatchString(trimmed):
		c.Kind = KindInsert
		c.IsMutation = true
		c.Table = unquote(insertRe.FindStringSubmatch(trimmed)[1])
	case updateRe.MatchString(trimmed):
		c.Kind = KindUpdate
		c.IsMutation = true
		c.Table = unquote(updateRe.FindStringSubmatch(trimmed)[1])
	case deleteRe.MatchString(trimmed):
		c.Kind = KindDelete
		c.IsMutation = true
		c.Table = unquote(deleteRe.FindStringSubmatch(trimmed)[1])
	case ddlRe.MatchString(trimmed):
		c.Kind = KindDDL
		c.IsMutation = true
		if m := ddlRe.FindStringSubmatch(trimmed); m != nil && m[3] != "" {
			c.Table = unquote(m[3])
		}
	default:
		c.Kind = KindOther
	}

	return c
}

// extractHint strips a leading `/*+ ... */` directive and returns the
// resolved hint plus the remaining statement body.
func extractHint(sql string) (Hint, int64, string) {
	loc := hintDirectiveRe.FindStringSubmatchIndex(sql)
	if loc == nil {
		return HintDefault, 0, sql
	}

	m := hintDirectiveRe.FindStringSubmatch(sql)
	directive := strings.ToLower(strings.TrimSpace(m[1]))
	rest := sql[loc[1]:]

	switch {
	case directive == "strong":
		return HintStrong, 0, rest
	case directive == "weak":
		return HintCached, 0, rest
	case strings.HasPrefix(directive, "bounded"):
		if m[2] != "" {
			if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				return HintBounded, n, rest
			}
		}
		return HintBounded, 0, rest
	default:
		return HintDefault, 0, rest
	}
}

// ResolveDefault turns a "default" hint into the gateway's chosen fallback,
// "bounded", per spec.md §4.1.
func ResolveDefault(h Hint) Hint {
	if h == HintDefault {
		return HintBounded
	}
	return h
}

// IsUnguardedDestructiveDDL reports whether sql is a DROP TABLE without an
// IF EXISTS guard, or an unconditional TRUNCATE TABLE — the classifier
// guard spec.md §9 recommends for detecting DDL that would break
// idempotent tail replay during a shard split.
func IsUnguardedDestructiveDDL(sql string) bool {
	_, _, body := extractHint(sql)
	return (dropTableRe.MatchString(body) && !dropIfExistsRe.MatchString(body)) || truncateRe.MatchString(body)
}

func unquote(ident string) string {
	return strings.Trim(ident, "`")
}
