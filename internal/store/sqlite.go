package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/i474232898/weather-gateway/internal/weather"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteColdStore persists last-known-good records in SQLite.
type SQLiteColdStore struct {
	db  *sqlx.DB
	now func() time.Time
}

type coldRow struct {
	Key       string         `db:"cache_key"`
	Payload   string         `db:"payload"`
	Hash      string         `db:"hash"`
	FetchedAt int64          `db:"fetched_at"`
	ExpiresAt int64          `db:"expires_at"`
	LastError sql.NullString `db:"last_error"`
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteColdStore opens (or creates) the database at path and applies
// the embedded migrations. ":memory:" is accepted for tests.
func OpenSQLiteColdStore(path string) (*SQLiteColdStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cold store path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteColdStore{db: db, now: time.Now}, nil
}

func applyMigrations(db *sqlx.DB) error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(stmt)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteColdStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteColdStore) GetCold(ctx context.Context, key string) (weather.ColdRecord, bool, error) {
	var row coldRow
	err := s.db.GetContext(ctx, &row,
		`SELECT cache_key, payload, hash, fetched_at, expires_at, last_error
		   FROM weather_cold_cache WHERE cache_key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return weather.ColdRecord{}, false, nil
		}
		return weather.ColdRecord{}, false, fmt.Errorf("get cold record: %w", err)
	}

	var payload weather.Document
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return weather.ColdRecord{}, false, fmt.Errorf("decode cold payload: %w", err)
	}
	return weather.ColdRecord{
		Key:       row.Key,
		Payload:   payload,
		Hash:      row.Hash,
		FetchedAt: fromMillis(row.FetchedAt),
		ExpiresAt: fromMillis(row.ExpiresAt),
		LastError: row.LastError.String,
	}, true, nil
}

func (s *SQLiteColdStore) PutCold(ctx context.Context, rec weather.ColdRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode cold payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO weather_cold_cache (cache_key, payload, hash, fetched_at, expires_at, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   payload = excluded.payload,
		   hash = excluded.hash,
		   fetched_at = excluded.fetched_at,
		   expires_at = excluded.expires_at,
		   last_error = NULL,
		   updated_at = excluded.updated_at`,
		rec.Key, string(payload), rec.Hash, toMillis(rec.FetchedAt), toMillis(rec.ExpiresAt), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("upsert cold record: %w", err)
	}
	return nil
}

func (s *SQLiteColdStore) MarkError(ctx context.Context, key, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE weather_cold_cache SET last_error = ?, updated_at = ? WHERE cache_key = ?`,
		message, toMillis(s.now()), key)
	if err != nil {
		return fmt.Errorf("mark cold record error: %w", err)
	}
	return nil
}

var _ weather.ColdStore = (*SQLiteColdStore)(nil)
