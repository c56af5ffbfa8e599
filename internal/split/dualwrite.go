package split

import (
	"context"
	"log"

	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/sqlclass"
)

// DualWriteProxy implements consistency.ShardExecutor by consulting
// routingStore on every write: a tenant in dual_write mode executes on its
// route's ShardID (the source, for as long as the split is in progress)
// first, then best-effort mirrors the same statement onto every Targets
// shard, per spec.md §4.8's requirement that writes land on both shards
// during the migration window. A tenant not in dual_write mode is passed
// through untouched.
type DualWriteProxy struct {
	routingStore *routing.Store
	resolve      ActorResolver
}

// NewDualWriteProxy wraps resolve with dual-write mirroring driven by
// routingStore's active policy.
func NewDualWriteProxy(routingStore *routing.Store, resolve ActorResolver) *DualWriteProxy {
	return &DualWriteProxy{routingStore: routingStore, resolve: resolve}
}

// Execute runs sql against the tenant's current route, mirroring to any
// dual-write targets. shardID is ignored in favor of the routing policy's
// own resolution so callers don't need to special-case split tenants; the
// tenantID the consistency engine plumbed in is what matters here.
func (d *DualWriteProxy) Execute(ctx context.Context, tenantID, sql string, params []interface{}, hint sqlclass.Hint) (shardclient.ExecResult, error) {
	route, err := d.routingStore.GetActive().Resolve(tenantID)
	if err != nil {
		return shardclient.ExecResult{}, err
	}

	res, err := d.resolve(route.ShardID).Execute(ctx, sql, params, hint)
	if err != nil {
		return shardclient.ExecResult{}, err
	}

	// Only mutations are mirrored to the target shard during dual-write;
	// spec.md §4.8/§4.6 mirror "every committed write", not reads, so a
	// SELECT routed through here (reads share this executor) must never
	// touch the target shard.
	if route.Mode == "dual_write" && sqlclass.Classify(sql).IsMutation {
		for _, target := range route.Targets {
			if _, mirrErr := d.resolve(target).Execute(ctx, sql, params, hint); mirrErr != nil {
				// Mirror failure does not fail the write: the tail replay
				// phase catches up any row the mirror missed before
				// cutover. Aborting here would make every write as
				// fragile as the slower of two shards.
				log.Printf("split: dual-write mirror to %s failed: %v", target, mirrErr)
			}
		}
	}

	return res, nil
}
