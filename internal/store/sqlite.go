package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id                 TEXT PRIMARY KEY,
		fingerprint        TEXT UNIQUE NOT NULL,
		public_key         TEXT NOT NULL,
		label              TEXT NOT NULL DEFAULT '',
		last_known_address TEXT NOT NULL DEFAULT '',
		first_seen         TEXT NOT NULL,
		last_seen          TEXT NOT NULL,
		hostname           TEXT NOT NULL DEFAULT '',
		os                 TEXT NOT NULL DEFAULT '',
		arch               TEXT NOT NULL DEFAULT '',
		cpu_cores          INTEGER NOT NULL DEFAULT 0,
		memory             INTEGER NOT NULL DEFAULT 0,
		version            TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS hosts_last_seen ON hosts (last_seen)`,
}

// timeFormat keeps sub-second precision so LastSeen ordering is stable.
const timeFormat = time.RFC3339Nano

const hostColumns = `id, fingerprint, public_key, label, last_known_address, first_seen, last_seen,
	hostname, os, arch, cpu_cores, memory, version`

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertHost(ctx context.Context, h *Host) (*Host, error) {
	if h.Fingerprint == "" {
		return nil, errors.New("host fingerprint is required")
	}
	seen := h.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	ts := seen.UTC().Format(timeFormat)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (id, fingerprint, public_key, label, last_known_address, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		     public_key = excluded.public_key,
		     last_known_address = excluded.last_known_address,
		     last_seen = excluded.last_seen`,
		uuid.NewString(), h.Fingerprint, h.PublicKey, h.Label, h.LastKnownAddress, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("upsert host: %w", err)
	}
	return s.GetHost(ctx, h.Fingerprint)
}

func (s *SQLiteStore) TouchHost(ctx context.Context, fingerprint string, t time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET last_seen = ? WHERE fingerprint = ?`, t.UTC().Format(timeFormat), fingerprint)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) GetHost(ctx context.Context, fingerprint string) (*Host, error) {
	return scanHost(s.db.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE fingerprint = ?`, fingerprint))
}

func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hostColumns+` FROM hosts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func (s *SQLiteStore) SetLabel(ctx context.Context, fingerprint, label string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET label = ? WHERE fingerprint = ?`, label, fingerprint)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetAttributes(ctx context.Context, fingerprint string, attrs Attributes) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET hostname = ?, os = ?, arch = ?, cpu_cores = ?, memory = ?, version = ?
		 WHERE fingerprint = ?`,
		attrs.Hostname, attrs.OS, attrs.Arch, attrs.CPUCores, attrs.Memory, attrs.Version, fingerprint)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteHost(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(row scanner) (*Host, error) {
	var h Host
	var first, last string
	err := row.Scan(&h.ID, &h.Fingerprint, &h.PublicKey, &h.Label, &h.LastKnownAddress, &first, &last,
		&h.Hostname, &h.OS, &h.Arch, &h.CPUCores, &h.Memory, &h.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	h.FirstSeen, _ = time.Parse(timeFormat, first)
	h.LastSeen, _ = time.Parse(timeFormat, last)
	return &h, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
