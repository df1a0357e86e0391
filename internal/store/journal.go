package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"previewbox/internal/reconcile"
)

// RunSummary is one journaled reconciliation run.
type RunSummary struct {
	ID          string             `json:"id"`
	StartedAt   string             `json:"started_at"`
	FinishedAt  string             `json:"finished_at"`
	Status      string             `json:"status"`
	Error       *string            `json:"error,omitempty"`
	ReloadError *string            `json:"reload_error,omitempty"`
	Transitions []TransitionRecord `json:"transitions"`
}

// TransitionRecord is one unit outcome within a journaled run.
type TransitionRecord struct {
	Label           string  `json:"label"`
	Kind            string  `json:"type"`
	Action          string  `json:"action"`
	Reason          string  `json:"reason,omitempty"`
	Error           *string `json:"error,omitempty"`
	TeardownError   *string `json:"teardown_error,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// RecordRun stores report and its outcomes. It implements reconcile.Journal.
func (s *Store) RecordRun(ctx context.Context, report *reconcile.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, status, error_message, reload_error)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		report.ID,
		formatTime(report.StartedAt),
		formatTime(report.FinishedAt),
		report.Status(),
		errString(report.Err),
		errString(report.ReloadErr),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", report.ID, err)
	}

	for _, o := range report.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transitions
			(run_id, label, type, action, reason, error_message, teardown_error, duration_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.ID,
			o.Label,
			string(o.Kind),
			string(o.Action),
			string(o.Reason),
			errString(o.Err),
			errString(o.TeardownErr),
			o.Duration.Seconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition for %s: %w", o.Label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", report.ID, err)
	}

	if s.keepRuns > 0 {
		if _, err := s.PruneRuns(ctx, s.keepRuns); err != nil {
			return err
		}
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first, with their transitions.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, error_message, reload_error
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var runErr, reloadErr sql.NullString
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &runErr, &reloadErr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = nullString(runErr)
		r.ReloadError = nullString(reloadErr)
		runs = append(runs, r)
	}
	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	for i := range runs {
		runs[i].Transitions, err = s.transitions(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) transitions(ctx context.Context, runID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label, type, action, reason, error_message, teardown_error, duration_seconds
		FROM transitions
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions of run %s: %w", runID, err)
	}
	defer rows.Close()

	transitions := []TransitionRecord{}
	for rows.Next() {
		var t TransitionRecord
		var unitErr, teardownErr sql.NullString
		if err := rows.Scan(&t.Label, &t.Kind, &t.Action, &t.Reason, &unitErr, &teardownErr, &t.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Error = nullString(unitErr)
		t.TeardownError = nullString(teardownErr)
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return transitions, nil
}

// PruneRuns deletes all but the keep most recent runs and returns how many
// were deleted.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return res.RowsAffected()
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
