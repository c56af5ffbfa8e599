package durable

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSaveRoutingPolicy_PersistsAndAdvancesActivePointer(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectExec("INSERT INTO routing_policies").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO routing_active").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := db.SaveRoutingPolicy(context.Background(), 1, `{"t1":{"Mode":"single","ShardID":"shard-a"}}`, `[]`); err != nil {
		t.Fatal(err)
	}
}

func TestGetActiveRoutingPolicy_ReturnsJoinedRow(t *testing.T) {
	db, mock := newTestDB(t)

	rows := sqlmock.NewRows([]string{"version", "tenants", "ranges"}).
		AddRow(3, `{"t1":{"Mode":"single","ShardID":"shard-b"}}`, `[]`)
	mock.ExpectQuery("SELECT p.version, p.tenants, p.ranges[\\s\\S]*JOIN routing_active").WillReturnRows(rows)

	rec, err := db.GetActiveRoutingPolicy(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Version != 3 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestGetActiveRoutingPolicy_NoneEverPublishedReturnsNil(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectQuery("SELECT p.version, p.tenants, p.ranges[\\s\\S]*JOIN routing_active").
		WillReturnRows(sqlmock.NewRows([]string{"version", "tenants", "ranges"}))

	rec, err := db.GetActiveRoutingPolicy(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("expected nil when no policy has ever been published")
	}
}

func TestGetRoutingPolicy_ReturnsImmutableVersion(t *testing.T) {
	db, mock := newTestDB(t)

	rows := sqlmock.NewRows([]string{"version", "tenants", "ranges"}).
		AddRow(1, `{"t1":{"Mode":"single","ShardID":"shard-a"}}`, `[]`)
	mock.ExpectQuery("SELECT version, tenants, ranges FROM routing_policies WHERE version = \\$1").WillReturnRows(rows)

	rec, err := db.GetRoutingPolicy(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Version != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
