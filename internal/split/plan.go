// Package split implements the Shard-Split Migration Controller (spec.md
// §4.8): a durable state machine that moves a set of tenants from a
// source shard to a target shard online, via dual-write, cursor-resumable
// backfill, idempotent tail replay, and a single non-idempotent cutover.
//
// New code — MinIO has no resharding concept. Grounded on the
// planning/dual_write/backfill/tailing/cutover_pending/completed phase
// vocabulary in the retrieved vitess resharder fragments, and on the
// durable-record-plus-resume style already adapted into internal/durable;
// see DESIGN.md.
package split

import "time"

// Phase is one state of a split plan's state machine.
type Phase string

const (
	PhasePlanning      Phase = "planning"
	PhaseDualWrite     Phase = "dual_write"
	PhaseTailing       Phase = "tailing"
	PhaseCutoverPend   Phase = "cutover_pending"
	PhaseCompleted     Phase = "completed"
	PhaseRolledBack    Phase = "rolled_back"
)

// Plan is one shard split in progress, per spec.md §4.8.
type Plan struct {
	ID                    string
	Source                string
	Target                string
	Tenants               []string
	Phase                 Phase
	RoutingVersionAtStart uint64
	RoutingVersionCutover uint64
	RollbackVersion       uint64

	// TableCursor is the opaque, per-table backfill resume point;
	// monotonically non-decreasing per table for the plan's lifetime.
	TableCursor map[string]string
	// TablesDone marks tables whose backfill has exhausted every row.
	TablesDone map[string]bool

	// LastEventID is the last mutation-log position mirrored from Source
	// during tail replay; monotonically non-decreasing.
	LastEventID uint64

	ErrorMessage string
	UpdatedAt    time.Time
}

func newPlan(id, source, target string, tenants []string, routingVersionAtStart uint64) *Plan {
	return &Plan{
		ID:                    id,
		Source:                source,
		Target:                target,
		Tenants:               append([]string(nil), tenants...),
		Phase:                 PhasePlanning,
		RoutingVersionAtStart: routingVersionAtStart,
		TableCursor:           make(map[string]string),
		TablesDone:            make(map[string]bool),
	}
}

// IsTerminal reports whether phase admits no further transitions other
// than none (completed and rolled_back are both terminal).
func (p *Plan) IsTerminal() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseRolledBack
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.Tenants = append([]string(nil), p.Tenants...)
	cp.TableCursor = make(map[string]string, len(p.TableCursor))
	for k, v := range p.TableCursor {
		cp.TableCursor[k] = v
	}
	cp.TablesDone = make(map[string]bool, len(p.TablesDone))
	for k, v := range p.TablesDone {
		cp.TablesDone[k] = v
	}
	return &cp
}
