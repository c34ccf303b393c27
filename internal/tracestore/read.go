package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"i2cmaster-go/i2cm"
	"i2cmaster-go/internal/scenario"
)

// Run is the summary row of a recorded run.
type Run struct {
	ID        string
	Scenario  string
	StartedMs int64
	Ticks     int
	Stats     i2cm.Stats
}

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("tracestore: run not found")

// Runs lists recorded runs, newest first. An empty scenario name lists all.
func (s *Store) Runs(ctx context.Context, name string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scenario, started_ms, ticks, begun, completed, failed, retries, nacks
		FROM runs
		WHERE ? = '' OR scenario = ?
		ORDER BY started_ms DESC, id DESC
	`, name, name)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Scenario, &r.StartedMs, &r.Ticks,
			&r.Stats.Begun, &r.Stats.Completed, &r.Stats.Failed, &r.Stats.Retries, &r.Stats.NACKs); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns the summary of one run.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, started_ms, ticks, begun, completed, failed, retries, nacks
		FROM runs WHERE id = ?
	`, runID).Scan(&r.ID, &r.Scenario, &r.StartedMs, &r.Ticks,
		&r.Stats.Begun, &r.Stats.Completed, &r.Stats.Failed, &r.Stats.Retries, &r.Stats.NACKs)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Transfers loads the transfers of a run in step order, traces included.
func (s *Store) Transfers(ctx context.Context, runID string) ([]*scenario.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, seq, command, addr, queued, code, written, read, ticks
		FROM transfers WHERE run_id = ? ORDER BY step
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}
	defer rows.Close()

	out := []*scenario.Transfer{}
	byStep := map[int]*scenario.Transfer{}
	for rows.Next() {
		t := &scenario.Transfer{Trace: []string{}}
		if err := rows.Scan(&t.Step, &t.Seq, &t.Command, &t.Addr, &t.Queued, &t.Code, &t.Written, &t.Read, &t.Ticks); err != nil {
			return nil, fmt.Errorf("load transfers: %w", err)
		}
		if len(t.Read) == 0 {
			t.Read = nil
		}
		out = append(out, t)
		byStep[t.Step] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT step, prim FROM primitives WHERE run_id = ? ORDER BY step, idx
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load primitives: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var step int
		var p string
		if err := prows.Scan(&step, &p); err != nil {
			return nil, fmt.Errorf("load primitives: %w", err)
		}
		if t := byStep[step]; t != nil {
			t.Trace = append(t.Trace, p)
		}
	}
	return out, prows.Err()
}
