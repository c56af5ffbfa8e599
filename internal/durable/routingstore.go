package durable

import (
	"context"
	"database/sql"
	"fmt"
)

// PolicyRecord is the durable shape of one routing policy version.
type PolicyRecord struct {
	Version     uint64
	TenantsJSON string
	RangesJSON  string
}

// SaveRoutingPolicy persists version as immutable (ON CONFLICT DO NOTHING,
// since a published version is never rewritten) and advances the active
// pointer to it, matching spec.md's "strictly increasing versions" /
// "active pointer" persisted-state layout.
func (d *DB) SaveRoutingPolicy(ctx context.Context, version uint64, tenantsJSON, rangesJSON string) error {
	if _, err := d.stmts.upsertPolicy.ExecContext(ctx, version, tenantsJSON, rangesJSON); err != nil {
		return fmt.Errorf("durable: save routing policy v%d: %w", version, err)
	}
	if _, err := d.stmts.setActivePolicy.ExecContext(ctx, version); err != nil {
		return fmt.Errorf("durable: advance routing active pointer to v%d: %w", version, err)
	}
	return nil
}

// GetActiveRoutingPolicy returns the policy version the active pointer
// currently names, or nil if none has ever been published.
func (d *DB) GetActiveRoutingPolicy(ctx context.Context) (*PolicyRecord, error) {
	var rec PolicyRecord
	err := d.stmts.getActivePolicy.QueryRowContext(ctx).Scan(&rec.Version, &rec.TenantsJSON, &rec.RangesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get active routing policy: %w", err)
	}
	return &rec, nil
}

// GetRoutingPolicy loads one immutable policy version.
func (d *DB) GetRoutingPolicy(ctx context.Context, version uint64) (*PolicyRecord, error) {
	var rec PolicyRecord
	err := d.stmts.getPolicy.QueryRowContext(ctx, version).Scan(&rec.Version, &rec.TenantsJSON, &rec.RangesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get routing policy v%d: %w", version, err)
	}
	return &rec, nil
}
