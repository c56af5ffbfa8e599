package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveIdempotencyRecord records resp under key if it isn't already present,
// durably backing internal/batch's in-process replay cache across
// restarts. A conflict is not an error: it means a concurrent or prior
// process already recorded this key's response.
func (d *DB) SaveIdempotencyRecord(ctx context.Context, key string, resp interface{}) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("durable: marshal idempotency response: %w", err)
	}
	if _, err := d.stmts.upsertIdemKey.ExecContext(ctx, key, string(data)); err != nil {
		return fmt.Errorf("durable: save idempotency key %s: %w", key, err)
	}
	return nil
}

// GetIdempotencyRecord loads the recorded response for key, unmarshaling
// it into out. It returns (false, nil) if key has never been recorded.
func (d *DB) GetIdempotencyRecord(ctx context.Context, key string, out interface{}) (bool, error) {
	var data string
	err := d.stmts.getIdemKey.QueryRowContext(ctx, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("durable: get idempotency key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, fmt.Errorf("durable: unmarshal idempotency response: %w", err)
	}
	return true, nil
}
