// Package durable provides the Postgres-backed persistence the
// Shard-Split Controller needs to survive a gateway restart mid-plan
// (spec.md §4.8 calls it explicitly "a durable state machine per plan").
//
// Adapted from tenantmanager_v2.go: database/sql +
// github.com/lib/pq, a bounded connection pool, and a prepareStatements
// step run once at construction. tenantmanager_v2.go's per-shard
// ShardedTenantStore/TenantCache in front of Postgres is not reused here;
// internal/split already keeps the active plan in memory and uses this
// package purely for write-ahead durability, so an extra read cache would
// just be unexercised machinery (see DESIGN.md).
package durable

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// DB wraps a Postgres connection pool and the prepared statements the
// split-plan and idempotency stores use.
type DB struct {
	conn  *sql.DB
	stmts *preparedStatements
}

type preparedStatements struct {
	upsertPlan    *sql.Stmt
	getPlan       *sql.Stmt
	listOpenPlans *sql.Stmt
	upsertIdemKey *sql.Stmt
	getIdemKey    *sql.Stmt

	upsertPolicy    *sql.Stmt
	getPolicy       *sql.Stmt
	setActivePolicy *sql.Stmt
	getActivePolicy *sql.Stmt
}

// Open connects to dsn, applies pool limits, ensures the schema exists,
// and prepares statements.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("durable: open: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("durable: ping: %w", err)
	}

	if err := migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("durable: migrate: %w", err)
	}

	stmts, err := prepare(conn)
	if err != nil {
		return nil, fmt.Errorf("durable: prepare statements: %w", err)
	}

	return &DB{conn: conn, stmts: stmts}, nil
}

// wrap builds a DB around an already-open connection, skipping dialing and
// pool configuration. Used by tests against a sqlmock connection.
func wrap(ctx context.Context, conn *sql.DB) (*DB, error) {
	if err := migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("durable: migrate: %w", err)
	}
	stmts, err := prepare(conn)
	if err != nil {
		return nil, fmt.Errorf("durable: prepare statements: %w", err)
	}
	return &DB{conn: conn, stmts: stmts}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

func migrate(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS split_plans (
			id                       TEXT PRIMARY KEY,
			source_shard             TEXT NOT NULL,
			target_shard             TEXT NOT NULL,
			tenants                  TEXT NOT NULL,
			phase                    TEXT NOT NULL,
			routing_version_at_start BIGINT NOT NULL,
			routing_version_cutover  BIGINT NOT NULL DEFAULT 0,
			rollback_version         BIGINT NOT NULL DEFAULT 0,
			table_cursors            JSONB NOT NULL DEFAULT '{}',
			last_event_id            BIGINT NOT NULL DEFAULT 0,
			error_message            TEXT NOT NULL DEFAULT '',
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key          TEXT PRIMARY KEY,
			response     JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS routing_policies (
			version      BIGINT PRIMARY KEY,
			tenants      JSONB NOT NULL,
			ranges       JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS routing_active (
			id           BOOLEAN PRIMARY KEY DEFAULT TRUE,
			version      BIGINT NOT NULL,
			CHECK (id)
		);
	`)
	return err
}

func prepare(conn *sql.DB) (*preparedStatements, error) {
	upsertPlan, err := conn.Prepare(`
		INSERT INTO split_plans (id, source_shard, target_shard, tenants, phase,
			routing_version_at_start, routing_version_cutover, rollback_version,
			table_cursors, last_event_id, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			routing_version_cutover = EXCLUDED.routing_version_cutover,
			rollback_version = EXCLUDED.rollback_version,
			table_cursors = EXCLUDED.table_cursors,
			last_event_id = EXCLUDED.last_event_id,
			error_message = EXCLUDED.error_message,
			updated_at = now()
	`)
	if err != nil {
		return nil, err
	}

	getPlan, err := conn.Prepare(`
		SELECT id, source_shard, target_shard, tenants, phase, routing_version_at_start,
			routing_version_cutover, rollback_version, table_cursors, last_event_id, error_message
		FROM split_plans WHERE id = $1
	`)
	if err != nil {
		return nil, err
	}

	listOpenPlans, err := conn.Prepare(`
		SELECT id, source_shard, target_shard, tenants, phase, routing_version_at_start,
			routing_version_cutover, rollback_version, table_cursors, last_event_id, error_message
		FROM split_plans WHERE phase NOT IN ('completed', 'rolled_back')
	`)
	if err != nil {
		return nil, err
	}

	upsertIdemKey, err := conn.Prepare(`
		INSERT INTO idempotency_keys (key, response) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`)
	if err != nil {
		return nil, err
	}

	getIdemKey, err := conn.Prepare(`SELECT response FROM idempotency_keys WHERE key = $1`)
	if err != nil {
		return nil, err
	}

	upsertPolicy, err := conn.Prepare(`
		INSERT INTO routing_policies (version, tenants, ranges) VALUES ($1, $2, $3)
		ON CONFLICT (version) DO NOTHING
	`)
	if err != nil {
		return nil, err
	}

	getPolicy, err := conn.Prepare(`SELECT version, tenants, ranges FROM routing_policies WHERE version = $1`)
	if err != nil {
		return nil, err
	}

	setActivePolicy, err := conn.Prepare(`
		INSERT INTO routing_active (id, version) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
	`)
	if err != nil {
		return nil, err
	}

	getActivePolicy, err := conn.Prepare(`
		SELECT p.version, p.tenants, p.ranges FROM routing_policies p
		JOIN routing_active a ON a.version = p.version
	`)
	if err != nil {
		return nil, err
	}

	return &preparedStatements{
		upsertPlan:      upsertPlan,
		getPlan:         getPlan,
		listOpenPlans:   listOpenPlans,
		upsertIdemKey:   upsertIdemKey,
		getIdemKey:      getIdemKey,
		upsertPolicy:    upsertPolicy,
		getPolicy:       getPolicy,
		setActivePolicy: setActivePolicy,
		getActivePolicy: getActivePolicy,
	}, nil
}
