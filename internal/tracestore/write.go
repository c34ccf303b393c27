package tracestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"i2cmaster-go/internal/scenario"
	"i2cmaster-go/x/timex"
)

// SaveRun records res in one transaction and returns the new run ID
// (a time-ordered UUIDv7).
func (s *Store) SaveRun(ctx context.Context, res *scenario.Result) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	runID := id.String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	st := res.Stats
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, started_ms, ticks, begun, completed, failed, retries, nacks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, res.Name, timex.NowMs(), res.Ticks, st.Begun, st.Completed, st.Failed, st.Retries, st.NACKs); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	for _, t := range res.Transfers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transfers (run_id, step, seq, command, addr, queued, code, written, read, ticks)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, t.Step, t.Seq, t.Command, t.Addr, t.Queued, t.Code, t.Written, t.Read, t.Ticks); err != nil {
			return "", fmt.Errorf("save transfer %d: %w", t.Step, err)
		}
		for i, p := range t.Trace {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO primitives (run_id, step, idx, prim) VALUES (?, ?, ?, ?)
			`, runID, t.Step, i, p); err != nil {
				return "", fmt.Errorf("save transfer %d: %w", t.Step, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	return runID, nil
}

// DeleteRun removes a run and everything recorded for it.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}
