package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/audiolab/stimrun/internal/domain"
)

// EventRepo handles persistence for RunEvent records.
type EventRepo struct{}

const insertEvent = `INSERT INTO run_events (run_id, seq_no, trial_index, state, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

// AppendTx inserts a run event within an existing transaction.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, event domain.RunEvent) error {
	_, err := tx.ExecContext(ctx, insertEvent,
		event.RunID,
		event.SeqNo,
		event.TrialIndex,
		string(event.State),
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Append inserts a single run event outside a transaction.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, event domain.RunEvent) error {
	_, err := db.ExecContext(ctx, insertEvent,
		event.RunID,
		event.SeqNo,
		event.TrialIndex,
		string(event.State),
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByRun returns events for a run with sequence numbers greater than
// sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByRun(ctx context.Context, db *sql.DB, runID string, sinceSeq int64) ([]domain.RunEvent, error) {
	const q = `SELECT id, run_id, seq_no, trial_index, state, event_type, payload_json, created_at
FROM run_events
WHERE run_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		var state string
		if err := rows.Scan(&e.ID, &e.RunID, &e.SeqNo, &e.TrialIndex, &state, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.State = domain.TrialState(state)
		events = append(events, e)
	}
	return events, rows.Err()
}
