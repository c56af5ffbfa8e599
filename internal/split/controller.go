package split

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/workersql/gateway/internal/durable"
	"github.com/workersql/gateway/internal/gwerrors"
	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

// ActorResolver looks up the shardclient.Actor for a shard ID, so the
// controller works uniformly against shardsim.Actor in tests and a real
// shardclient.Client.Actor in production.
type ActorResolver func(shardID string) shardclient.Actor

// Store is the durable plan persistence the controller needs; satisfied by
// *durable.DB. A small interface so tests can swap in an in-memory stand-in.
type Store interface {
	SavePlan(ctx context.Context, rec durable.PlanRecord) error
	GetPlan(ctx context.Context, id string) (*durable.PlanRecord, error)
	ListOpenPlans(ctx context.Context) ([]*durable.PlanRecord, error)
}

// Controller runs the shard-split state machine of spec.md §4.8 over a set
// of in-memory plans backed by Store for restart recovery.
type Controller struct {
	routingStore *routing.Store
	resolve      ActorResolver
	store        Store

	mu          sync.Mutex
	plans       map[string]*Plan
	tenantOwner map[string]string // tenantID -> planID, for non-terminal plans only
}

// NewController constructs a Controller. store may be nil, in which case
// plans are kept in memory only (used by tests that don't exercise restart
// recovery).
func NewController(routingStore *routing.Store, resolve ActorResolver, store Store) *Controller {
	return &Controller{
		routingStore: routingStore,
		resolve:      resolve,
		store:        store,
		plans:        make(map[string]*Plan),
		tenantOwner:  make(map[string]string),
	}
}

// Get returns a snapshot of the plan by id.
func (c *Controller) Get(id string) (*Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[id]
	if !ok {
		return nil, gwerrors.New(gwerrors.InvalidQuery, "no split plan %s", id)
	}
	return p.clone(), nil
}

// Restore loads every non-terminal plan from store into memory, for the
// gateway to resume in-flight splits after a restart.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	recs, err := c.store.ListOpenPlans(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		p := fromRecord(rec)
		c.plans[rec.ID] = p
		if !p.IsTerminal() {
			for _, t := range p.Tenants {
				c.tenantOwner[t] = p.ID
			}
		}
	}
	return nil
}

// StartPlan registers a new split of tenants from source to target. It does
// not yet touch routing; dual-write only begins at StartDualWrite.
func (c *Controller) StartPlan(ctx context.Context, id, source, target string, tenants []string) (*Plan, error) {
	c.mu.Lock()
	if _, exists := c.plans[id]; exists {
		c.mu.Unlock()
		return nil, gwerrors.New(gwerrors.InvalidQuery, "split plan %s already exists", id)
	}
	for _, t := range tenants {
		if owner, claimed := c.tenantOwner[t]; claimed {
			c.mu.Unlock()
			return nil, gwerrors.New(gwerrors.InvalidQuery, "tenant %s is already in split plan %s", t, owner)
		}
	}
	p := newPlan(id, source, target, tenants, c.routingStore.ActiveVersion())
	c.plans[id] = p
	for _, t := range tenants {
		c.tenantOwner[t] = id
	}
	c.mu.Unlock()

	if err := c.persist(ctx, p); err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// StartDualWrite publishes a routing policy that marks plan's tenants
// dual_write from source to target, then advances the plan to that phase.
func (c *Controller) StartDualWrite(ctx context.Context, id string) error {
	p, err := c.mutate(id, PhasePlanning)
	if err != nil {
		return err
	}

	overrides := make(map[string]routing.Route, len(p.Tenants))
	for _, t := range p.Tenants {
		overrides[t] = routing.Route{Mode: "dual_write", ShardID: p.Source, Targets: []string{p.Target}}
	}
	c.routingStore.Publish(c.routingStore.MutateTenants(overrides))

	return c.commit(ctx, id, func(p *Plan) { p.Phase = PhaseDualWrite })
}

// RunBackfill copies every row of each table in tables from source to
// target, resuming from the plan's persisted per-table cursor so a crash
// mid-backfill restarts from where it left off rather than from scratch.
// It advances to tailing once every table reports exhausted. Calling it
// again once the plan is tailing skips every table already marked done.
func (c *Controller) RunBackfill(ctx context.Context, id string, tables []string, pageSize int) error {
	p, err := c.mutate(id, PhaseDualWrite, PhaseTailing)
	if err != nil {
		return err
	}

	source := c.resolve(p.Source)
	target := c.resolve(p.Target)

	for _, table := range tables {
		if p.TablesDone[table] {
			continue
		}
		cursor := p.TableCursor[table]
		for {
			rows, next, err := exportForTenants(ctx, source, table, p.Tenants, cursor, pageSize)
			if err != nil {
				return fmt.Errorf("split: backfill export %s: %w", table, err)
			}
			if len(rows) > 0 {
				if err := target.Import(ctx, table, rows); err != nil {
					return fmt.Errorf("split: backfill import %s: %w", table, err)
				}
			}
			cursor = next
			if err := c.commit(ctx, id, func(p *Plan) { p.TableCursor[table] = cursor }); err != nil {
				return err
			}
			if len(rows) < pageSize {
				break
			}
		}
		if err := c.commit(ctx, id, func(p *Plan) { p.TablesDone[table] = true }); err != nil {
			return err
		}
	}

	return c.commit(ctx, id, func(p *Plan) { p.Phase = PhaseTailing })
}

// exportForTenants pages source's table once per tenant and concatenates
// the rows; shardsim/shardclient both export by a single tenantID so the
// controller fans that out itself rather than pushing a tenant list onto
// the actor contract.
func exportForTenants(ctx context.Context, source shardclient.Actor, table string, tenants []string, cursor string, pageSize int) ([]map[string]interface{}, string, error) {
	var rows []map[string]interface{}
	var next string
	for _, tenant := range tenants {
		page, c, err := source.Export(ctx, table, tenant, cursor, pageSize)
		if err != nil {
			return nil, "", err
		}
		rows = append(rows, page...)
		if c != "" {
			next = c
		}
	}
	return rows, next, nil
}

// ReplayTail mirrors source's mutation log after the plan's last replayed
// event to target, advancing LastEventID as it goes. It is idempotent:
// target.Import/Execute of an already-applied mutation is a no-op write of
// the same row, and calling ReplayTail again with nothing new pending does
// nothing. The caller (the admin surface) loops this until a call returns
// caughtUp=true within its settle window, then calls Cutover.
func (c *Controller) ReplayTail(ctx context.Context, id string, pageLimit int) (caughtUp bool, err error) {
	p, err := c.mutate(id, PhaseTailing, PhaseCutoverPend)
	if err != nil {
		return false, err
	}

	source := c.resolve(p.Source)
	target := c.resolve(p.Target)

	events, err := source.Events(ctx, p.LastEventID, pageLimit)
	if err != nil {
		return false, fmt.Errorf("split: tail events: %w", err)
	}

	tenantSet := make(map[string]bool, len(p.Tenants))
	for _, t := range p.Tenants {
		tenantSet[t] = true
	}

	var lastID uint64
	for _, ev := range events {
		lastID = ev.ID
		if !tenantSet[ev.TenantID] {
			continue
		}
		if ev.Kind == "ddl" && sqlclass.IsUnguardedDestructiveDDL(ev.SQL) {
			// Replaying an unconditional DROP/TRUNCATE a second time
			// would either fail or silently wipe data imported by
			// backfill; the classifier guard spec.md §9 recommends
			// means these events are skipped, not mirrored.
			log.Printf("split: skipping unguarded destructive ddl event %d on %s", ev.ID, ev.Table)
			continue
		}
		if ev.Row != nil {
			if err := target.Import(ctx, ev.Table, []map[string]interface{}{ev.Row}); err != nil {
				return false, fmt.Errorf("split: tail mirror event %d: %w", ev.ID, err)
			}
		}
	}
	if lastID > 0 {
		if err := c.commit(ctx, id, func(p *Plan) { p.LastEventID = lastID }); err != nil {
			return false, err
		}
	}

	caughtUp = len(events) < pageLimit
	if caughtUp && p.Phase == PhaseTailing {
		if err := c.commit(ctx, id, func(p *Plan) { p.Phase = PhaseCutoverPend }); err != nil {
			return false, err
		}
	}
	return caughtUp, nil
}

// Cutover is the plan's single non-idempotent step: it publishes a routing
// policy that resolves plan's tenants to target alone, with no further
// dual-write, and marks the plan completed. Calling it twice is rejected
// since the phase guard only admits cutover_pending.
func (c *Controller) Cutover(ctx context.Context, id string) error {
	p, err := c.mutate(id, PhaseCutoverPend)
	if err != nil {
		return err
	}

	overrides := make(map[string]routing.Route, len(p.Tenants))
	for _, t := range p.Tenants {
		overrides[t] = routing.Route{Mode: "single", ShardID: p.Target}
	}
	version := c.routingStore.Publish(c.routingStore.MutateTenants(overrides))

	return c.commit(ctx, id, func(p *Plan) {
		p.Phase = PhaseCompleted
		p.RoutingVersionCutover = version
	})
}

// Rollback reverts plan's tenants to source and marks the plan terminal.
// It is reachable from any phase prior to completed; target may be left
// holding partially backfilled data, which is harmless since routing no
// longer sends reads or writes there.
func (c *Controller) Rollback(ctx context.Context, id string) error {
	c.mu.Lock()
	p, ok := c.plans[id]
	if !ok {
		c.mu.Unlock()
		return gwerrors.New(gwerrors.InvalidQuery, "no split plan %s", id)
	}
	if p.Phase == PhaseCompleted || p.Phase == PhaseRolledBack {
		c.mu.Unlock()
		return gwerrors.New(gwerrors.InvalidQuery, "split plan %s cannot roll back from phase %s", id, p.Phase)
	}
	c.mu.Unlock()

	overrides := make(map[string]routing.Route, len(p.Tenants))
	for _, t := range p.Tenants {
		overrides[t] = routing.Route{Mode: "single", ShardID: p.Source}
	}
	version := c.routingStore.Publish(c.routingStore.MutateTenants(overrides))

	return c.commit(ctx, id, func(p *Plan) {
		p.Phase = PhaseRolledBack
		p.RollbackVersion = version
	})
}

// mutate returns a defensive copy of plan id, verifying it is currently in
// one of want (when len(want) > 0).
func (c *Controller) mutate(id string, want ...Phase) (*Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[id]
	if !ok {
		return nil, gwerrors.New(gwerrors.InvalidQuery, "no split plan %s", id)
	}
	if len(want) > 0 {
		ok := false
		for _, w := range want {
			if p.Phase == w {
				ok = true
				break
			}
		}
		if !ok {
			return nil, gwerrors.New(gwerrors.InvalidQuery, "split plan %s is in phase %s, expected one of %v", id, p.Phase, want)
		}
	}
	return p.clone(), nil
}

// commit applies mutate to the live plan under lock and persists the
// result, so every phase transition is durable before the controller acts
// on it further.
func (c *Controller) commit(ctx context.Context, id string, mutate func(*Plan)) error {
	c.mu.Lock()
	p, ok := c.plans[id]
	if !ok {
		c.mu.Unlock()
		return gwerrors.New(gwerrors.InvalidQuery, "no split plan %s", id)
	}
	mutate(p)
	if p.IsTerminal() {
		for _, t := range p.Tenants {
			if c.tenantOwner[t] == id {
				delete(c.tenantOwner, t)
			}
		}
	}
	snapshot := p.clone()
	c.mu.Unlock()

	return c.persist(ctx, snapshot)
}

func (c *Controller) persist(ctx context.Context, p *Plan) error {
	if c.store == nil {
		return nil
	}
	return c.store.SavePlan(ctx, toRecord(p))
}

func toRecord(p *Plan) durable.PlanRecord {
	return durable.PlanRecord{
		ID: p.ID, SourceShard: p.Source, TargetShard: p.Target, Tenants: p.Tenants,
		Phase: string(p.Phase), RoutingVersionAtStart: p.RoutingVersionAtStart,
		RoutingVersionCutover: p.RoutingVersionCutover, RollbackVersion: p.RollbackVersion,
		TableCursors: p.TableCursor, LastEventID: p.LastEventID, ErrorMessage: p.ErrorMessage,
	}
}

func fromRecord(rec *durable.PlanRecord) *Plan {
	p := newPlan(rec.ID, rec.SourceShard, rec.TargetShard, rec.Tenants, rec.RoutingVersionAtStart)
	p.Phase = Phase(rec.Phase)
	p.RoutingVersionCutover = rec.RoutingVersionCutover
	p.RollbackVersion = rec.RollbackVersion
	p.LastEventID = rec.LastEventID
	p.ErrorMessage = rec.ErrorMessage
	for k, v := range rec.TableCursors {
		p.TableCursor[k] = v
	}
	return p
}
