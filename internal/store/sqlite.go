package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/example/harvest/api-go/internal/model"
)

const (
	// DriverPure is the pure Go driver registered by modernc.org/sqlite.
	DriverPure = "sqlite"
	// DriverCgo is the cgo driver registered by mattn/go-sqlite3.
	DriverCgo = "sqlite3"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
  key TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  artifact_ref TEXT,
  built_at INTEGER,
  last_error TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bundles_status ON bundles(status, updated_at);
`

const recordColumns = `key, status, artifact_ref, built_at, last_error, created_at, updated_at`

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the bundle database at path using one of
// the registered sqlite drivers. An empty driver selects DriverPure.
func Open(driver, path string) (*SQLite, error) {
	if driver == "" {
		driver = DriverPure
	}
	if driver != DriverPure && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// One connection: sqlite has a single writer and this keeps per-key
	// read-after-write trivially true for the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key model.BundleKey) (model.BundleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM bundles WHERE key = ?`, string(key),
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BundleRecord{}, model.ErrNotFound
		}
		return model.BundleRecord{}, err
	}
	return rec, nil
}

// Upsert inserts rec or replaces the stored record for rec.Key. CreatedAt of
// an existing row is kept; UpdatedAt is always stamped by the store.
func (s *SQLite) Upsert(ctx context.Context, rec model.BundleRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundles (`+recordColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET
             status = excluded.status,
             artifact_ref = excluded.artifact_ref,
             built_at = excluded.built_at,
             last_error = excluded.last_error,
             updated_at = excluded.updated_at`,
		string(rec.Key),
		string(rec.Status),
		nullableString(rec.ArtifactRef),
		nullableTime(rec.BuiltAt),
		nullableString(rec.LastError),
		created.UnixMilli(),
		now.UnixMilli(),
	)
	return err
}

// Register inserts a pending record for key unless one exists. The boolean
// reports whether a new record was created.
func (s *SQLite) Register(ctx context.Context, key model.BundleKey) (model.BundleRecord, bool, error) {
	if key == "" {
		return model.BundleRecord{}, false, model.ErrInvalidKey
	}
	now := s.now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bundles (key, status, created_at, updated_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(key) DO NOTHING`,
		string(key), string(model.BundlePending), now, now,
	)
	if err != nil {
		return model.BundleRecord{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.BundleRecord{}, false, err
	}
	rec, err := s.Get(ctx, key)
	return rec, n > 0, err
}

func (s *SQLite) ListByStatus(ctx context.Context, statuses ...model.BundleStatus) ([]model.BundleKey, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		marks[i] = "?"
		args[i] = string(status)
	}
	return s.queryKeys(ctx,
		`SELECT key FROM bundles WHERE status IN (`+strings.Join(marks, ", ")+`)
       ORDER BY updated_at ASC, key ASC`, args...,
	)
}

// ListStalerThan returns ready bundles whose last build finished before cutoff.
func (s *SQLite) ListStalerThan(ctx context.Context, cutoff time.Time) ([]model.BundleKey, error) {
	return s.queryKeys(ctx,
		`SELECT key FROM bundles WHERE status = ? AND built_at < ?
       ORDER BY built_at ASC, key ASC`,
		string(model.BundleReady), cutoff.UnixMilli(),
	)
}

func (s *SQLite) List(ctx context.Context, status *model.BundleStatus, limit int) ([]model.BundleRecord, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + recordColumns + ` FROM bundles`
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC, key ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BundleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) queryKeys(ctx context.Context, query string, args ...any) ([]model.BundleKey, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BundleKey
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, model.BundleKey(key))
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.BundleRecord, error) {
	var (
		key, status          string
		artifactRef, lastErr sql.NullString
		builtMs              sql.NullInt64
		createdMs, updatedMs int64
	)
	if err := row.Scan(&key, &status, &artifactRef, &builtMs, &lastErr, &createdMs, &updatedMs); err != nil {
		return model.BundleRecord{}, err
	}
	rec := model.BundleRecord{
		Key:       model.BundleKey(key),
		Status:    model.BundleStatus(status),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if artifactRef.Valid {
		rec.ArtifactRef = artifactRef.String
	}
	if lastErr.Valid {
		rec.LastError = lastErr.String
	}
	if builtMs.Valid {
		built := time.UnixMilli(builtMs.Int64).UTC()
		rec.BuiltAt = &built
	}
	return rec, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
