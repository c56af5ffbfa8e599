package shardsim

import (
	"context"
	"testing"

	"github.com/workersql/gateway/internal/sqlclass"
)

func TestExecuteInsertThenSelect(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()

	res, err := a.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
		[]interface{}{"1", "t1", "alice"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 || res.Version != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res2, err := a.Execute(ctx, "SELECT * FROM users", nil, sqlclass.HintBounded)
	if err != nil {
		t.Fatal(err)
	}
	if len(res2.Rows) != 1 || res2.Rows[0]["name"] != "alice" {
		t.Fatalf("unexpected select result: %+v", res2.Rows)
	}
}

func TestExecuteUpdateAndDelete(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()
	a.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)", []interface{}{"1", "t1", "alice"}, sqlclass.HintStrong)

	res, err := a.Execute(ctx, "UPDATE users SET name=? WHERE id=?", []interface{}{"bob", "1"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Fatal("expected update to affect one row")
	}

	res, err = a.Execute(ctx, "DELETE FROM users WHERE id=?", []interface{}{"1"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 1 {
		t.Fatal("expected delete to affect one row")
	}

	res, err = a.Execute(ctx, "DELETE FROM users WHERE id=?", []interface{}{"1"}, sqlclass.HintStrong)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 0 {
		t.Fatal("expected idempotent delete of missing row to affect zero rows")
	}
}

func TestVersionMonotonicallyIncreases(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()
	var last uint64
	for i := 0; i < 5; i++ {
		res, err := a.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
			[]interface{}{i, "t1", "x"}, sqlclass.HintStrong)
		if err != nil {
			t.Fatal(err)
		}
		if res.Version <= last {
			t.Fatalf("expected version to increase, got %d after %d", res.Version, last)
		}
		last = res.Version
	}
}

func TestExportImport_RoundTripsAndResumesWithCursor(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		a.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
			[]interface{}{i, "t1", "x"}, sqlclass.HintStrong)
	}

	page1, cursor1, err := a.Export(ctx, "users", "t1", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page1))
	}

	page2, _, err := a.Export(ctx, "users", "t1", cursor1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("expected second page of 2, got %d", len(page2))
	}

	b := New("shard-b")
	if err := b.Import(ctx, "users", page1); err != nil {
		t.Fatal(err)
	}
	if err := b.Import(ctx, "users", page1); err != nil { // idempotent re-import
		t.Fatal(err)
	}
	exported, _, err := b.Export(ctx, "users", "t1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(exported) != 2 {
		t.Fatalf("expected idempotent import to leave 2 rows, got %d", len(exported))
	}
}

func TestEvents_ReturnsAfterID(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		a.Execute(ctx, "INSERT INTO users (id, tenantId, name) VALUES (?, ?, ?)",
			[]interface{}{i, "t1", "x"}, sqlclass.HintStrong)
	}

	events, err := a.Events(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	events, err = a.Events(ctx, events[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after cursor, got %d", len(events))
	}
}

func TestExecuteBatch_AppliesAllStatements(t *testing.T) {
	a := New("shard-a")
	ctx := context.Background()
	res, err := a.ExecuteBatch(ctx, []string{
		"INSERT INTO users (id, tenantId, name) VALUES (1, 't1', 'a')",
		"INSERT INTO users (id, tenantId, name) VALUES (2, 't1', 'b')",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 2 {
		t.Fatalf("expected batch to affect 2 rows, got %d", res.RowsAffected)
	}
}
