package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/audiolab/stimrun/internal/domain"
)

// TrialRepo handles persistence for executed trials.
type TrialRepo struct{}

// InsertTx inserts trial rows within an existing transaction.
func (r *TrialRepo) InsertTx(ctx context.Context, tx *sql.Tx, trials []domain.StoredTrial) error {
	const q = `INSERT INTO run_trials (run_id, trial_index, trial_type, stimulus_sec, jitter_sec, total_sec, reaction_time_sec)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("prepare trial insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trials {
		var rt sql.NullFloat64
		if t.ReactionTime.Valid {
			rt = sql.NullFloat64{Float64: t.ReactionTime.Seconds, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			t.RunID,
			t.Index,
			string(t.Type),
			t.StimulusSec,
			t.JitterSec,
			t.TotalSec,
			rt,
		); err != nil {
			return domain.WrapRunError(domain.ErrStoreWrite.Code, fmt.Sprintf("insert trial %d", t.Index), err)
		}
	}
	return nil
}

// ListByRun returns a run's trials ordered by index.
func (r *TrialRepo) ListByRun(ctx context.Context, db *sql.DB, runID string) ([]domain.StoredTrial, error) {
	const q = `SELECT run_id, trial_index, trial_type, stimulus_sec, jitter_sec, total_sec, reaction_time_sec
FROM run_trials
WHERE run_id = ?
ORDER BY trial_index ASC`

	rows, err := db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var trials []domain.StoredTrial
	for rows.Next() {
		var t domain.StoredTrial
		var typ string
		var rt sql.NullFloat64
		if err := rows.Scan(&t.RunID, &t.Index, &typ, &t.StimulusSec, &t.JitterSec, &t.TotalSec, &rt); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		t.Type = domain.TrialType(typ)
		if rt.Valid {
			t.ReactionTime = domain.Responded(rt.Float64)
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}
