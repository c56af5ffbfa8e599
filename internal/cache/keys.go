package cache

import "fmt"

// EntityKey builds an entity cache key: "{tenant}:e:{table}:{pk}".
func EntityKey(tenant, table, pk string) string {
	return fmt.Sprintf("%s:e:%s:%s", tenant, table, pk)
}

// SecondaryKey builds a secondary-index cache key:
// "{tenant}:i:{table}:{index}:{val}".
func SecondaryKey(tenant, table, index, val string) string {
	return fmt.Sprintf("%s:i:%s:%s:%s", tenant, table, index, val)
}

// QueryKey builds a query-result cache key:
// "{tenant}:q:{table}:{fingerprint}".
func QueryKey(tenant, table, fingerprint string) string {
	return fmt.Sprintf("%s:q:%s:%s", tenant, table, fingerprint)
}

// EntityPrefix is the invalidation prefix for all entity keys of a table.
func EntityPrefix(tenant, table string) string {
	return fmt.Sprintf("%s:e:%s:", tenant, table)
}

// QueryPrefix is the invalidation prefix for all query-result keys of a
// table.
func QueryPrefix(tenant, table string) string {
	return fmt.Sprintf("%s:q:%s:", tenant, table)
}

// BaseKey is the coarse "{tenant}:{table}" identifier a mutation event
// carries; InvalidationPrefixes expands it to the two concrete prefixes
// consumers must clear, per spec.md §4.7.
func BaseKey(tenant, table string) string {
	return fmt.Sprintf("%s:%s", tenant, table)
}

// InvalidationPrefixes converts a base "{tenant}:{table}" key into the two
// prefixes the Queue Invalidation Consumer must clear.
func InvalidationPrefixes(base string) []string {
	tenant, table := splitBase(base)
	return []string{QueryPrefix(tenant, table), EntityPrefix(tenant, table)}
}

func splitBase(base string) (tenant, table string) {
	for i := 0; i < len(base); i++ {
		if base[i] == ':' {
			return base[:i], base[i+1:]
		}
	}
	return base, ""
}
