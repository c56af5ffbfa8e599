// Package routing implements the Routing Policy Store (spec.md §4.4): a
// versioned, append-only mapping from tenant to shard, with a
// compare-and-swap publish operation as the sole mutator.
//
// New code — MinIO has no tenant-to-shard routing concept. Grounded on
// the versioned-policy/CAS vocabulary of the vitess resharder fragments;
// see DESIGN.md.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/workersql/gateway/internal/durable"
	"github.com/workersql/gateway/internal/gwerrors"
)

// Route describes how a tenant is currently routed. Mode is "single" for a
// normal assignment, or "dual_write" while a shard split has the tenant's
// writes mirrored from Source to Targets.
type Route struct {
	Mode    string // "single" | "dual_write"
	ShardID string // authoritative shard (source shard while dual-writing)
	Targets []string
}

// RangeEntry is a fallback prefix-to-shard mapping, consulted when a
// tenant has no direct entry.
type RangeEntry struct {
	Prefix  string
	ShardID string
}

// Policy is one immutable, versioned routing policy.
type Policy struct {
	Version uint64
	Tenants map[string]Route
	Ranges  []RangeEntry
}

// Resolve looks up tenantID: direct map lookup first, then the first
// matching range prefix in order, per spec.md §4.4.
func (p *Policy) Resolve(tenantID string) (Route, error) {
	if r, ok := p.Tenants[tenantID]; ok {
		return r, nil
	}
	for _, rng := range p.Ranges {
		if strings.HasPrefix(tenantID, rng.Prefix) {
			return Route{Mode: "single", ShardID: rng.ShardID}, nil
		}
	}
	return Route{}, gwerrors.New(gwerrors.InternalError, "no routing entry for tenant %s", tenantID)
}

// clone returns a deep copy suitable for building the next version from.
func (p *Policy) clone() *Policy {
	tenants := make(map[string]Route, len(p.Tenants))
	for k, v := range p.Tenants {
		vv := v
		vv.Targets = append([]string(nil), v.Targets...)
		tenants[k] = vv
	}
	ranges := append([]RangeEntry(nil), p.Ranges...)
	return &Policy{Version: p.Version, Tenants: tenants, Ranges: ranges}
}

// Persister is the durable backing spec.md's "Persisted state layout"
// requires for routing policies (`routing:policy:v{version}`, active
// pointer); *durable.DB satisfies this. A Store with a nil persister keeps
// every version in memory only.
type Persister interface {
	SaveRoutingPolicy(ctx context.Context, version uint64, tenantsJSON, rangesJSON string) error
	GetActiveRoutingPolicy(ctx context.Context) (*durable.PolicyRecord, error)
}

// Store is a versioned, CAS-governed policy store. It is safe for
// concurrent use.
type Store struct {
	mu        sync.Mutex
	versions  map[uint64]*Policy
	active    uint64
	persister Persister
}

// NewStore creates a Store seeded with an initial empty policy at version 0.
func NewStore() *Store {
	s := &Store{versions: make(map[uint64]*Policy)}
	s.versions[0] = &Policy{Version: 0, Tenants: map[string]Route{}}
	s.active = 0
	return s
}

// NewDurableStore creates a Store that persists every published policy
// through persister and, if one was already published by a prior process,
// restores it as the active version instead of starting empty.
func NewDurableStore(ctx context.Context, persister Persister) (*Store, error) {
	s := NewStore()
	s.persister = persister

	rec, err := persister.GetActiveRoutingPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("routing: restore active policy: %w", err)
	}
	if rec == nil {
		return s, nil
	}

	var tenants map[string]Route
	if err := json.Unmarshal([]byte(rec.TenantsJSON), &tenants); err != nil {
		return nil, fmt.Errorf("routing: unmarshal restored tenants: %w", err)
	}
	var ranges []RangeEntry
	if err := json.Unmarshal([]byte(rec.RangesJSON), &ranges); err != nil {
		return nil, fmt.Errorf("routing: unmarshal restored ranges: %w", err)
	}
	s.versions[rec.Version] = &Policy{Version: rec.Version, Tenants: tenants, Ranges: ranges}
	s.active = rec.Version
	return s, nil
}

// GetActive returns the currently active policy.
func (s *Store) GetActive() *Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[s.active]
}

// GetByVersion returns the (immutable, never-mutated-after-publish) policy
// at version v.
func (s *Store) GetByVersion(v uint64) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.versions[v]
	if !ok {
		return nil, gwerrors.New(gwerrors.InternalError, "no routing policy at version %d", v)
	}
	return p, nil
}

// ActiveVersion returns the currently active version number.
func (s *Store) ActiveVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Publish performs a compare-and-swap: it reads the current max version
// and writes next at max+1. Concurrent publishers are serialized by the
// store's internal lock; spec.md §4.4 only requires one winner, which a
// single mutex trivially provides for an in-process store. If a persister
// is configured, Publish writes the new version through it before
// returning; a persist failure is logged and the in-memory version still
// advances, so that version is not durable until a later publish persists.
func (s *Store) Publish(next *Policy) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	newVersion := s.active + 1
	p := next.clone()
	p.Version = newVersion

	if s.persister != nil {
		if err := s.persist(p); err != nil {
			// The in-memory policy still advances: every gateway instance
			// in this process sees the new version immediately, and the
			// next successful publish or an operator retry will persist
			// it. Losing durability here never loses the CAS winner.
			log.Printf("routing: failed to persist policy v%d: %v", newVersion, err)
		}
	}

	s.versions[newVersion] = p
	s.active = newVersion
	return newVersion
}

func (s *Store) persist(p *Policy) error {
	tenants, err := json.Marshal(p.Tenants)
	if err != nil {
		return err
	}
	ranges, err := json.Marshal(p.Ranges)
	if err != nil {
		return err
	}
	return s.persister.SaveRoutingPolicy(context.Background(), p.Version, string(tenants), string(ranges))
}

// MutateTenants returns a new Policy derived from the active one with the
// given tenant routes overwritten, ready to pass to Publish. This is the
// building block split.Controller uses for startDualWrite/cutover/rollback.
func (s *Store) MutateTenants(overrides map[string]Route) *Policy {
	active := s.GetActive()
	p := active.clone()
	for tenant, route := range overrides {
		p.Tenants[tenant] = route
	}
	return p
}

// String renders a short diagnostic summary, sorted for determinism.
func (p *Policy) String() string {
	keys := make([]string, 0, len(p.Tenants))
	for k := range p.Tenants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "policy v%d {", p.Version)
	for _, k := range keys {
		r := p.Tenants[k]
		fmt.Fprintf(&b, " %s->%s(%s)", k, r.ShardID, r.Mode)
	}
	b.WriteString(" }")
	return b.String()
}
