package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/audiolab/stimrun/internal/domain"
)

// RunRepo handles persistence for run records. A finalized run stores its
// full RunResult as JSON together with a SHA-256 checksum.
type RunRepo struct{}

// CreateTx inserts a running run within an existing transaction.
func (r *RunRepo) CreateTx(ctx context.Context, tx *sql.Tx, res domain.RunResult) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, res.RunID).Scan(&n); err != nil {
		return domain.WrapRunError(domain.ErrStoreQuery.Code, "check run", err)
	}
	if n > 0 {
		return domain.NewRunError(domain.ErrDuplicateRun.Code, fmt.Sprintf("run %s already exists", res.RunID))
	}

	const q = `INSERT INTO runs (run_id, subject, run, paradigm, seed, status, planned_trials, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		res.RunID,
		res.Subject,
		res.Run,
		res.Paradigm,
		strconv.FormatUint(res.Seed, 10),
		string(domain.RunRunning),
		res.PlannedTrials,
		res.StartedAt,
	)
	if err != nil {
		return domain.WrapRunError(domain.ErrStoreWrite.Code, "create run", err)
	}
	return nil
}

// Create inserts a running run in its own transaction.
func (r *RunRepo) Create(ctx context.Context, db *sql.DB, res domain.RunResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := r.CreateTx(ctx, tx, res); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeTx records the terminal status and the full result.
func (r *RunRepo) FinalizeTx(ctx context.Context, tx *sql.Tx, res domain.RunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	const q = `UPDATE runs SET
		status = ?,
		result_json = ?,
		checksum = ?,
		error = ?,
		ended_at = ?
	WHERE run_id = ?`
	out, err := tx.ExecContext(ctx, q,
		string(res.Status),
		string(data),
		Checksum(data),
		res.Error,
		res.EndedAt,
		res.RunID,
	)
	if err != nil {
		return domain.WrapRunError(domain.ErrStoreWrite.Code, "finalize run", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

const runColumns = `run_id, subject, run, paradigm, seed, status, planned_trials, result_json, checksum, error, started_at, ended_at`

func scanRun(row interface{ Scan(...any) error }) (*domain.RunResult, error) {
	var res domain.RunResult
	var seed, status, resultJSON, checksum string
	err := row.Scan(&res.RunID, &res.Subject, &res.Run, &res.Paradigm, &seed, &status,
		&res.PlannedTrials, &resultJSON, &checksum, &res.Error, &res.StartedAt, &res.EndedAt)
	if err != nil {
		return nil, err
	}
	if resultJSON == "" {
		res.Status = domain.RunStatus(status)
		res.Seed, err = strconv.ParseUint(seed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse seed %q: %w", seed, err)
		}
		return &res, nil
	}
	if Checksum([]byte(resultJSON)) != checksum {
		return nil, domain.NewRunError(domain.ErrResultCorrupt.Code,
			fmt.Sprintf("run %s: stored result does not match checksum", res.RunID))
	}
	var full domain.RunResult
	if err := json.Unmarshal([]byte(resultJSON), &full); err != nil {
		return nil, domain.WrapRunError(domain.ErrResultCorrupt.Code, "decode stored result", err)
	}
	return &full, nil
}

// Get returns a run by ID. A finalized run is returned in full after its
// checksum is verified.
func (r *RunRepo) Get(ctx context.Context, db *sql.DB, runID string) (*domain.RunResult, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	res, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	return res, nil
}

// ListBySubject returns a subject's runs, oldest first.
func (r *RunRepo) ListBySubject(ctx context.Context, db *sql.DB, subject string) ([]domain.RunResult, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE subject = ? ORDER BY started_at ASC, run_id ASC`, subject)
	if err != nil {
		return nil, domain.WrapRunError(domain.ErrStoreQuery.Code, "list runs", err)
	}
	defer rows.Close()

	var out []domain.RunResult
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}
