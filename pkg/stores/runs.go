package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/flowsync/pkg/engine"
	"github.com/openfroyo/flowsync/pkg/model"
)

var _ engine.RunRecorder = (*SQLiteStore)(nil)

// RecordRun stores a finished dispatcher task. Recording the same id twice
// replaces the earlier row.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *engine.Run) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO reconciliation_runs
			(id, device_id, kind, strategy, outcome, started_at, completed_at, duration_ns, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Device.String(),
		string(run.Kind),
		string(run.Strategy),
		string(run.Outcome),
		run.StartedAt.UTC(),
		completedAt,
		int64(run.Duration),
		string(summary),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}

	query := `
		SELECT id, device_id, kind, strategy, outcome, started_at, completed_at, duration_ns, summary
		FROM reconciliation_runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first. An empty device lists runs of every device.
func (s *SQLiteStore) ListRuns(ctx context.Context, device model.DeviceID, limit, offset int) ([]*engine.Run, error) {
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, device_id, kind, strategy, outcome, started_at, completed_at, duration_ns, summary
		FROM reconciliation_runs
		WHERE (? = '' OR device_id = ?)
		ORDER BY started_at DESC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, device.String(), device.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRunsBefore removes runs started before cutoff and returns how many
// were removed.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, ErrNotInitialized
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM reconciliation_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var (
		run         engine.Run
		device      string
		kind        string
		strategy    string
		outcome     string
		completedAt sql.NullTime
		durationNs  int64
		summary     string
	)

	err := row.Scan(
		&run.ID,
		&device,
		&kind,
		&strategy,
		&outcome,
		&run.StartedAt,
		&completedAt,
		&durationNs,
		&summary,
	)
	if err != nil {
		return nil, err
	}

	run.Device = model.DeviceID(device)
	run.Kind = engine.TaskKind(kind)
	run.Strategy = engine.Strategy(strategy)
	run.Outcome = engine.Outcome(outcome)
	run.Duration = time.Duration(durationNs)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}

	return &run, nil
}
