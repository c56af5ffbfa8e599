package split

import (
	"context"
	"testing"

	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/shardsim"
	"github.com/workersql/gateway/internal/sqlclass"
)

func TestDualWriteProxy_PassesThroughSingleRoute(t *testing.T) {
	rs := routing.NewStore()
	seedTenant(rs, "t1", "shard-a")
	a := shardsim.New("shard-a")
	resolve := func(id string) shardclient.Actor {
		if id == "shard-a" {
			return a
		}
		t.Fatalf("unexpected shard %s", id)
		return nil
	}
	proxy := NewDualWriteProxy(rs, resolve)

	_, err := proxy.Execute(context.Background(), "t1",
		"INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "a"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}

	rows, _, _ := a.Export(context.Background(), "users", "t1", "", 10)
	if len(rows) != 1 {
		t.Fatalf("expected write to land on source, got %d rows", len(rows))
	}
}

func TestDualWriteProxy_MirrorsToTargetsWhenDualWriting(t *testing.T) {
	rs := routing.NewStore()
	rs.Publish(rs.MutateTenants(map[string]routing.Route{
		"t1": {Mode: "dual_write", ShardID: "shard-a", Targets: []string{"shard-b"}},
	}))
	source := shardsim.New("shard-a")
	target := shardsim.New("shard-b")
	resolve := func(id string) shardclient.Actor {
		switch id {
		case "shard-a":
			return source
		case "shard-b":
			return target
		}
		t.Fatalf("unexpected shard %s", id)
		return nil
	}
	proxy := NewDualWriteProxy(rs, resolve)

	_, err := proxy.Execute(context.Background(), "t1",
		"INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "a"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}

	for _, a := range []*shardsim.Actor{source, target} {
		rows, _, _ := a.Export(context.Background(), "users", "t1", "", 10)
		if len(rows) != 1 {
			t.Fatalf("expected write mirrored to both shards, got %d rows on %s", len(rows), a.ID)
		}
	}
}

func TestDualWriteProxy_MirrorFailureDoesNotFailWrite(t *testing.T) {
	rs := routing.NewStore()
	rs.Publish(rs.MutateTenants(map[string]routing.Route{
		"t1": {Mode: "dual_write", ShardID: "shard-a", Targets: []string{"shard-missing"}},
	}))
	source := shardsim.New("shard-a")
	resolve := func(id string) shardclient.Actor {
		if id == "shard-a" {
			return source
		}
		return brokenActor{}
	}
	proxy := NewDualWriteProxy(rs, resolve)

	_, err := proxy.Execute(context.Background(), "t1",
		"INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{1, "t1", "a"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatalf("expected source write to succeed despite mirror failure, got %v", err)
	}
}

func TestDualWriteProxy_DoesNotMirrorReads(t *testing.T) {
	rs := routing.NewStore()
	rs.Publish(rs.MutateTenants(map[string]routing.Route{
		"t1": {Mode: "dual_write", ShardID: "shard-a", Targets: []string{"shard-b"}},
	}))
	source := shardsim.New("shard-a")
	resolve := func(id string) shardclient.Actor {
		if id == "shard-a" {
			return source
		}
		t.Fatalf("read must not resolve the target shard %s", id)
		return nil
	}
	proxy := NewDualWriteProxy(rs, resolve)

	_, err := proxy.Execute(context.Background(), "t1",
		"SELECT * FROM users WHERE id = ?", []interface{}{1}, sqlclass.HintBounded)
	if err != nil {
		t.Fatal(err)
	}
}

// brokenActor always fails Execute, simulating an unreachable mirror target.
type brokenActor struct{ shardclient.Actor }

func (brokenActor) Execute(context.Context, string, []interface{}, sqlclass.Hint) (shardclient.ExecResult, error) {
	return shardclient.ExecResult{}, context.DeadlineExceeded
}
