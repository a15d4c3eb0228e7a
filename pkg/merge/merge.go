// Package merge reassigns every row owned by an anonymous identity to an
// authenticated identity across a configured set of independent tables.
//
// Conflict policy, stated once and on purpose: when the target already owns
// rows in a table, the source's rows in that table are DELETED and the
// target's rows stand ("source loses"). The policy trades data preservation
// for determinism and freedom from duplicate-key violations; repeated runs
// always converge to the same end state.
//
// No cross-table transaction is taken. The tables are independent domains,
// and every per-table step is idempotent: re-running after a partial failure
// moves or discards whatever is left and nothing else.
package merge

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Action string

const (
	ActionMoved     Action = "moved"
	ActionDiscarded Action = "discarded"
	ActionNone      Action = "none"
	ActionFailed    Action = "failed"
)

// DB is the narrow pgx-shaped surface the orchestrator needs. It is expected
// to be the service-privileged handle; the user-privileged handle cannot
// rewrite ownership across accounts.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TableOwner names one merge-eligible table and the column recording which
// identity owns a row.
type TableOwner struct {
	Table       string `json:"table"`
	OwnerColumn string `json:"owner_column"`
}

// Outcome reports what happened to one table.
type Outcome struct {
	Table  string `json:"table"`
	Action Action `json:"action"`
	Count  int64  `json:"count"`
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DefaultTableOwners is the production owner map. Order is part of the
// contract: tables are processed exactly in this order.
var DefaultTableOwners = []TableOwner{
	{Table: "favorites", OwnerColumn: "user_id"},
	{Table: "reviews", OwnerColumn: "user_id"},
	{Table: "restaurants", OwnerColumn: "owner_id"},
	{Table: "marketplace_items", OwnerColumn: "seller_id"},
	{Table: "profiles", OwnerColumn: "user_id"},
	{Table: "notifications", OwnerColumn: "user_id"},
}

// ParseTableOwners parses "table=owner_column,table=owner_column" and
// rejects anything that could not be a plain SQL identifier, because table
// and column names are interpolated into statements.
func ParseTableOwners(raw string) ([]TableOwner, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []TableOwner
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("merge: invalid table mapping %q", part)
		}
		to := TableOwner{
			Table:       strings.TrimSpace(kv[0]),
			OwnerColumn: strings.TrimSpace(kv[1]),
		}
		if !identRe.MatchString(to.Table) || !identRe.MatchString(to.OwnerColumn) {
			return nil, fmt.Errorf("merge: invalid identifier in mapping %q", part)
		}
		out = append(out, to)
	}
	return out, nil
}

type Orchestrator struct {
	DB              DB
	Tables          []TableOwner
	PerTableTimeout time.Duration
}

func NewOrchestrator(db DB, tables []TableOwner, perTableTimeout time.Duration) (*Orchestrator, error) {
	if db == nil {
		return nil, fmt.Errorf("merge: db handle required")
	}
	if len(tables) == 0 {
		tables = DefaultTableOwners
	}
	for _, to := range tables {
		if !identRe.MatchString(to.Table) || !identRe.MatchString(to.OwnerColumn) {
			return nil, fmt.Errorf("merge: invalid identifier %q.%q", to.Table, to.OwnerColumn)
		}
	}
	if perTableTimeout <= 0 {
		perTableTimeout = 5 * time.Second
	}
	return &Orchestrator{DB: db, Tables: tables, PerTableTimeout: perTableTimeout}, nil
}

// Merge runs the per-table loop in configured order. A failing table is
// logged and reported as failed; it never aborts the remaining tables. The
// error return covers precondition violations only.
func (o *Orchestrator) Merge(ctx context.Context, sourceUID, targetUID string) ([]Outcome, error) {
	sourceUID = strings.TrimSpace(sourceUID)
	targetUID = strings.TrimSpace(targetUID)
	if sourceUID == "" || targetUID == "" {
		return nil, fmt.Errorf("merge: source and target identities required")
	}
	if sourceUID == targetUID {
		return nil, fmt.Errorf("merge: source and target are the same identity")
	}
	outcomes := make([]Outcome, 0, len(o.Tables))
	for _, to := range o.Tables {
		outcome, err := o.mergeTable(ctx, to, sourceUID, targetUID)
		if err != nil {
			log.Printf("merge: table %s skipped: %v", to.Table, err)
			outcome = Outcome{Table: to.Table, Action: ActionFailed}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (o *Orchestrator) mergeTable(ctx context.Context, to TableOwner, sourceUID, targetUID string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.PerTableTimeout)
	defer cancel()

	var sourceCount int64
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = $1`, to.Table, to.OwnerColumn)
	if err := o.DB.QueryRow(ctx, countSQL, sourceUID).Scan(&sourceCount); err != nil {
		return Outcome{}, fmt.Errorf("count source rows: %w", err)
	}
	if sourceCount == 0 {
		return Outcome{Table: to.Table, Action: ActionNone}, nil
	}

	var conflict bool
	conflictSQL := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`, to.Table, to.OwnerColumn)
	if err := o.DB.QueryRow(ctx, conflictSQL, targetUID).Scan(&conflict); err != nil {
		return Outcome{}, fmt.Errorf("conflict check: %w", err)
	}

	if conflict {
		deleteSQL := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, to.Table, to.OwnerColumn)
		tag, err := o.DB.Exec(ctx, deleteSQL, sourceUID)
		if err != nil {
			return Outcome{}, fmt.Errorf("discard source rows: %w", err)
		}
		return Outcome{Table: to.Table, Action: ActionDiscarded, Count: tag.RowsAffected()}, nil
	}

	updateSQL := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, to.Table, to.OwnerColumn, to.OwnerColumn)
	tag, err := o.DB.Exec(ctx, updateSQL, targetUID, sourceUID)
	if err != nil {
		return Outcome{}, fmt.Errorf("move rows: %w", err)
	}
	return Outcome{Table: to.Table, Action: ActionMoved, Count: tag.RowsAffected()}, nil
}

// Totals sums moved and discarded counts across outcomes.
func Totals(outcomes []Outcome) (moved, discarded int64) {
	for _, oc := range outcomes {
		switch oc.Action {
		case ActionMoved:
			moved += oc.Count
		case ActionDiscarded:
			discarded += oc.Count
		}
	}
	return moved, discarded
}
