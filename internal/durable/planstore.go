package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PlanRecord is the durable, serializable shape of a shard-split plan.
// internal/split converts to/from its own Plan type so this package has
// no dependency on split's state-machine logic, only its data.
type PlanRecord struct {
	ID                    string
	SourceShard           string
	TargetShard           string
	Tenants               []string
	Phase                 string
	RoutingVersionAtStart uint64
	RoutingVersionCutover uint64
	RollbackVersion       uint64
	TableCursors          map[string]string
	LastEventID           uint64
	ErrorMessage          string
}

// SavePlan upserts rec, used after every phase transition so a restart
// resumes from the last persisted phase rather than replanning.
func (d *DB) SavePlan(ctx context.Context, rec PlanRecord) error {
	tenants, err := json.Marshal(rec.Tenants)
	if err != nil {
		return fmt.Errorf("durable: marshal tenants: %w", err)
	}
	cursors, err := json.Marshal(rec.TableCursors)
	if err != nil {
		return fmt.Errorf("durable: marshal cursors: %w", err)
	}

	_, err = d.stmts.upsertPlan.ExecContext(ctx,
		rec.ID, rec.SourceShard, rec.TargetShard, string(tenants), rec.Phase,
		rec.RoutingVersionAtStart, rec.RoutingVersionCutover, rec.RollbackVersion,
		string(cursors), rec.LastEventID, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("durable: save plan %s: %w", rec.ID, err)
	}
	return nil
}

// GetPlan loads one plan by ID.
func (d *DB) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	row := d.stmts.getPlan.QueryRowContext(ctx, id)
	rec, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durable: get plan %s: %w", id, err)
	}
	return rec, nil
}

// ListOpenPlans returns every plan not yet in a terminal phase, so the
// controller can resume in-flight splits after a restart.
func (d *DB) ListOpenPlans(ctx context.Context) ([]*PlanRecord, error) {
	rows, err := d.stmts.listOpenPlans.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable: list open plans: %w", err)
	}
	defer rows.Close()

	var out []*PlanRecord
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("durable: scan plan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scanner) (*PlanRecord, error) {
	var rec PlanRecord
	var tenants, cursors string
	if err := row.Scan(
		&rec.ID, &rec.SourceShard, &rec.TargetShard, &tenants, &rec.Phase,
		&rec.RoutingVersionAtStart, &rec.RoutingVersionCutover, &rec.RollbackVersion,
		&cursors, &rec.LastEventID, &rec.ErrorMessage,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tenants), &rec.Tenants); err != nil {
		return nil, fmt.Errorf("unmarshal tenants: %w", err)
	}
	if err := json.Unmarshal([]byte(cursors), &rec.TableCursors); err != nil {
		return nil, fmt.Errorf("unmarshal cursors: %w", err)
	}
	return &rec, nil
}
