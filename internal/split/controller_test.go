package split

import (
	"context"
	"sync"
	"testing"

	"github.com/workersql/gateway/internal/durable"
	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/shardsim"
	"github.com/workersql/gateway/internal/sqlclass"
)

// memStore is an in-memory durable.DB stand-in so controller tests don't
// need a Postgres connection; it is exercised the same way internal/durable
// exercises sqlmock.
type memStore struct {
	mu    sync.Mutex
	plans map[string]durable.PlanRecord
}

func newMemStore() *memStore { return &memStore{plans: make(map[string]durable.PlanRecord)} }

func (m *memStore) SavePlan(_ context.Context, rec durable.PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	cp.Tenants = append([]string(nil), rec.Tenants...)
	cp.TableCursors = make(map[string]string, len(rec.TableCursors))
	for k, v := range rec.TableCursors {
		cp.TableCursors[k] = v
	}
	m.plans[rec.ID] = cp
	return nil
}

func (m *memStore) GetPlan(_ context.Context, id string) (*durable.PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plans[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) ListOpenPlans(_ context.Context) ([]*durable.PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*durable.PlanRecord
	for _, rec := range m.plans {
		if rec.Phase != string(PhaseCompleted) && rec.Phase != string(PhaseRolledBack) {
			cp := rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestController(t *testing.T) (*Controller, *routing.Store, *shardsim.Actor, *shardsim.Actor, Store) {
	t.Helper()
	rs := routing.NewStore()
	source := shardsim.New("shard-a")
	target := shardsim.New("shard-b")
	store := newMemStore()

	resolve := func(shardID string) shardclient.Actor {
		switch shardID {
		case "shard-a":
			return source
		case "shard-b":
			return target
		default:
			t.Fatalf("unknown shard %s", shardID)
			return nil
		}
	}
	return NewController(rs, resolve, store), rs, source, target, store
}

func seedTenant(rs *routing.Store, tenant, shard string) {
	rs.Publish(rs.MutateTenants(map[string]routing.Route{tenant: {Mode: "single", ShardID: shard}}))
}

func TestStartPlan_PersistsAndIsRetrievable(t *testing.T) {
	ctrl, rs, _, _, store := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()

	p, err := ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != PhasePlanning {
		t.Fatalf("expected planning phase, got %s", p.Phase)
	}
	rec, err := store.GetPlan(ctx, "plan-1")
	if err != nil || rec == nil {
		t.Fatalf("expected persisted record, err=%v rec=%v", err, rec)
	}
}

func TestStartDualWrite_RoutesBothShardsAndAdvancesPhase(t *testing.T) {
	ctrl, rs, _, _, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})

	if err := ctrl.StartDualWrite(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}

	route, err := rs.GetActive().Resolve("t1")
	if err != nil {
		t.Fatal(err)
	}
	if route.Mode != "dual_write" || route.ShardID != "shard-a" || len(route.Targets) != 1 || route.Targets[0] != "shard-b" {
		t.Fatalf("unexpected route: %+v", route)
	}

	p, err := ctrl.Get("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != PhaseDualWrite {
		t.Fatalf("expected dual_write phase, got %s", p.Phase)
	}
}

func TestRunBackfill_CopiesRowsAndResumesFromCursor(t *testing.T) {
	ctrl, rs, source, target, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		source.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
			[]interface{}{i, "t1", "x"}, sqlclass.HintStrong)
	}

	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")

	if err := ctrl.RunBackfill(ctx, "plan-1", []string{"users"}, 2); err != nil {
		t.Fatal(err)
	}

	p, err := ctrl.Get("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != PhaseTailing {
		t.Fatalf("expected tailing phase, got %s", p.Phase)
	}
	if !p.TablesDone["users"] {
		t.Fatal("expected users table marked done")
	}
	// Page size 2 over 5 rows: three pages, each resumed from the cursor
	// the previous page committed.
	copied, _, err := target.Export(ctx, "users", "t1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(copied) != 5 {
		t.Fatalf("expected all 5 rows copied to target, got %d", len(copied))
	}

	// Running again is a no-op: the table is already marked done.
	if err := ctrl.RunBackfill(ctx, "plan-1", []string{"users"}, 2); err != nil {
		t.Fatal(err)
	}
}

func TestReplayTail_MirrorsPostBackfillWritesThenCutoverPending(t *testing.T) {
	ctrl, rs, source, target, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")
	ctrl.RunBackfill(ctx, "plan-1", []string{"users"}, 10)

	source.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{99, "t1", "new"}, sqlclass.HintStrong)

	caughtUp, err := ctrl.ReplayTail(ctx, "plan-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !caughtUp {
		t.Fatal("expected caught up after replaying the only pending event")
	}

	rows, _, err := target.Export(ctx, "users", "t1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r["name"] == "new" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected mirrored row on target")
	}

	p, _ := ctrl.Get("plan-1")
	if p.Phase != PhaseCutoverPend {
		t.Fatalf("expected cutover_pending phase, got %s", p.Phase)
	}
}

func TestReplayTail_IgnoresEventsForOtherTenants(t *testing.T) {
	ctrl, rs, source, target, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	seedTenant(rs, "t2", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")
	ctrl.RunBackfill(ctx, "plan-1", []string{"users"}, 10)

	source.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{7, "t2", "other-tenant"}, sqlclass.HintStrong)

	if _, err := ctrl.ReplayTail(ctx, "plan-1", 10); err != nil {
		t.Fatal(err)
	}

	rows, _, _ := target.Export(ctx, "users", "t2", "", 10)
	if len(rows) != 0 {
		t.Fatal("expected event for a tenant outside the plan not to be mirrored")
	}
}

func TestCutover_PublishesSingleRouteAndCompletes(t *testing.T) {
	ctrl, rs, _, _, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")
	ctrl.RunBackfill(ctx, "plan-1", []string{"users"}, 10)
	ctrl.ReplayTail(ctx, "plan-1", 10)

	if err := ctrl.Cutover(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}

	route, err := rs.GetActive().Resolve("t1")
	if err != nil {
		t.Fatal(err)
	}
	if route.Mode != "single" || route.ShardID != "shard-b" {
		t.Fatalf("expected single route to target after cutover, got %+v", route)
	}

	p, _ := ctrl.Get("plan-1")
	if p.Phase != PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", p.Phase)
	}

	if err := ctrl.Cutover(ctx, "plan-1"); err == nil {
		t.Fatal("expected second cutover to be rejected")
	}
}

func TestRollback_FromDualWriteRevertsRouting(t *testing.T) {
	ctrl, rs, _, _, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")

	if err := ctrl.Rollback(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}

	route, err := rs.GetActive().Resolve("t1")
	if err != nil {
		t.Fatal(err)
	}
	if route.Mode != "single" || route.ShardID != "shard-a" {
		t.Fatalf("expected reverted route to source, got %+v", route)
	}

	p, _ := ctrl.Get("plan-1")
	if p.Phase != PhaseRolledBack {
		t.Fatalf("expected rolled_back phase, got %s", p.Phase)
	}

	if err := ctrl.Rollback(ctx, "plan-1"); err == nil {
		t.Fatal("expected rollback from a terminal phase to be rejected")
	}
}

func TestRestore_ReloadsOpenPlansFromStore(t *testing.T) {
	ctrl, rs, _, _, store := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()
	ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"})
	ctrl.StartDualWrite(ctx, "plan-1")

	fresh := NewController(rs, func(shardID string) shardclient.Actor { return nil }, store)
	if err := fresh.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := fresh.Get("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Phase != PhaseDualWrite {
		t.Fatalf("expected restored plan in dual_write phase, got %s", p.Phase)
	}
}

func TestStartPlan_RejectsTenantAlreadyInFlight(t *testing.T) {
	ctrl, rs, _, _, _ := newTestController(t)
	seedTenant(rs, "t1", "shard-a")
	ctx := context.Background()

	if _, err := ctrl.StartPlan(ctx, "plan-1", "shard-a", "shard-b", []string{"t1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.StartPlan(ctx, "plan-2", "shard-a", "shard-c", []string{"t1"}); err == nil {
		t.Fatal("expected second plan claiming t1 to be rejected")
	}

	// after rollback, the tenant is released and may be claimed by a new plan
	if err := ctrl.Rollback(ctx, "plan-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.StartPlan(ctx, "plan-3", "shard-a", "shard-c", []string{"t1"}); err != nil {
		t.Fatalf("expected tenant to be released after rollback: %v", err)
	}
}
