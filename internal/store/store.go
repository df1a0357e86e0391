// Package store persists deployment records and the run journal in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"previewbox/internal/reconcile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite-backed reconcile.DeploymentStore and reconcile.Journal.
type Store struct {
	db       *sql.DB
	keepRuns int
}

// Option configures a Store.
type Option func(*Store)

// WithRunRetention keeps only the n most recent runs in the journal. Zero
// keeps everything.
func WithRunRetention(n int) Option {
	return func(s *Store) { s.keepRuns = n }
}

// Open opens (creating if needed) the database at path and runs all pending
// migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execer is implemented by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the record for label, or nil if there is none.
func (s *Store) Get(ctx context.Context, label string) (*reconcile.DeploymentRecord, error) {
	return get(ctx, s.db, label)
}

// Upsert inserts rec or replaces the existing record with the same label.
func (s *Store) Upsert(ctx context.Context, rec reconcile.DeploymentRecord) error {
	return upsert(ctx, s.db, rec)
}

// Delete removes the record for label. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, label string) error {
	return del(ctx, s.db, label)
}

// ListByKind returns all records of kind ordered by label.
func (s *Store) ListByKind(ctx context.Context, kind reconcile.Kind) ([]reconcile.DeploymentRecord, error) {
	return s.list(ctx, `WHERE type = ? ORDER BY label`, string(kind))
}

// ListAll returns every record, most recently deployed first with branch
// deployments before pull requests.
func (s *Store) ListAll(ctx context.Context) ([]reconcile.DeploymentRecord, error) {
	return s.list(ctx, `ORDER BY CASE type WHEN 'branch' THEN 0 ELSE 1 END, deployed_at DESC, label`)
}

func (s *Store) list(ctx context.Context, clause string, args ...any) ([]reconcile.DeploymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectDeployments+" "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var records []reconcile.DeploymentRecord
	for rows.Next() {
		rec, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// Begin starts a transaction over deployment records.
func (s *Store) Begin(ctx context.Context) (reconcile.StoreTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a store transaction. It implements reconcile.StoreTx.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Get(ctx context.Context, label string) (*reconcile.DeploymentRecord, error) {
	return get(ctx, t.tx, label)
}

func (t *Tx) Upsert(ctx context.Context, rec reconcile.DeploymentRecord) error {
	return upsert(ctx, t.tx, rec)
}

func (t *Tx) Delete(ctx context.Context, label string) error {
	return del(ctx, t.tx, label)
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

const selectDeployments = `
	SELECT label, type, source_branch, source_sha, title, url, author,
	       fail_count, deployed_at
	FROM deployments`

func get(ctx context.Context, db execer, label string) (*reconcile.DeploymentRecord, error) {
	row := db.QueryRowContext(ctx, selectDeployments+` WHERE label = ?`, label)
	rec, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment %s: %w", label, err)
	}
	return rec, nil
}

func upsert(ctx context.Context, db execer, rec reconcile.DeploymentRecord) error {
	if rec.Label == "" {
		return errors.New("deployment record has no label")
	}
	if rec.FailCount < 0 {
		return fmt.Errorf("deployment %s has negative fail count %d", rec.Label, rec.FailCount)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO deployments
		(label, type, source_branch, source_sha, title, url, author,
		 fail_count, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			type = excluded.type,
			source_branch = excluded.source_branch,
			source_sha = excluded.source_sha,
			title = excluded.title,
			url = excluded.url,
			author = excluded.author,
			fail_count = excluded.fail_count,
			deployed_at = excluded.deployed_at
	`,
		rec.Label,
		string(rec.Kind),
		rec.SourceBranch,
		rec.SourceRevision,
		rec.Title,
		rec.URL,
		rec.Author,
		rec.FailCount,
		formatTime(rec.DeployedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment %s: %w", rec.Label, err)
	}
	return nil
}

func del(ctx context.Context, db execer, label string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM deployments WHERE label = ?`, label); err != nil {
		return fmt.Errorf("failed to delete deployment %s: %w", label, err)
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*reconcile.DeploymentRecord, error) {
	var rec reconcile.DeploymentRecord
	var kind, deployedAt string

	err := s.Scan(
		&rec.Label,
		&kind,
		&rec.SourceBranch,
		&rec.SourceRevision,
		&rec.Title,
		&rec.URL,
		&rec.Author,
		&rec.FailCount,
		&deployedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.Kind, err = reconcile.ParseKind(kind); err != nil {
		return nil, err
	}
	if rec.DeployedAt, err = parseTime(deployedAt); err != nil {
		return nil, fmt.Errorf("failed to parse deployed_at timestamp: %w", err)
	}
	return &rec, nil
}

// timeLayout is fixed width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also accepts rows written with trimmed fractional seconds.

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}
