// Package bikedb stores bike-share stations in SQLite and reconciles GBFS
// station feeds against them.
package bikedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/patrickmn/go-cache"
)

const (
	defaultCacheExpirationMinutes = 10
	defaultCacheCleanupMinutes    = 30
	defaultCacheSize              = -16 * 1024 // negative value for KiB
	defaultPageSize               = 4096
	defaultBusyTimeoutMs          = 10000

	timeLayout = time.RFC3339
)

// Storage is the persistent station store. Reads may run concurrently;
// writes are serialized through WithWriteTransaction.
type Storage struct {
	db      *sql.DB
	cache   *cache.Cache
	log     *slog.Logger
	writeMu sync.Mutex

	// generation is bumped on every commit so reads that raced a write do
	// not repopulate the cache with stale rows.
	generation atomic.Uint64
}

// NewStorage opens (creating if needed) the database at dbPath.
func NewStorage(ctx context.Context, dbPath string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Per-connection settings belong in the DSN, every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)", dbPath, defaultBusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := configureSQLitePragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	s := &Storage{
		db:    db,
		cache: cache.New(defaultCacheExpirationMinutes*time.Minute, defaultCacheCleanupMinutes*time.Minute),
		log:   logger,
	}

	if err := s.CreateHistoryTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating availability_history table: %w", err)
	}

	if err := s.CreateTrigger(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating trigger: %w", err)
	}

	if err := s.CreateSyncLogTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating sync_log table: %w", err)
	}

	return s, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS stations (
		station_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL DEFAULT 0,
		lon REAL NOT NULL DEFAULT 0,
		capacity INTEGER NOT NULL DEFAULT 0,
		available_bikes INTEGER NOT NULL DEFAULT 0,
		available_docks INTEGER NOT NULL DEFAULT 0,
		is_installed INTEGER NOT NULL DEFAULT 0,
		is_renting INTEGER NOT NULL DEFAULT 0,
		is_returning INTEGER NOT NULL DEFAULT 0,
		info_updated_at TEXT,
		status_updated_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_stations_lat_lon ON stations(lat, lon);
	`

	_, err := db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("error creating table: %w", err)
	}
	return nil
}

// WithWriteTransaction runs fn inside a single write transaction. Only one
// write transaction is open at a time. The transaction commits when fn
// returns nil and rolls back on error or panic.
func (s *Storage) WithWriteTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Error("rollback error", "error", err)
		}
	}()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	s.generation.Add(1)
	s.cache.Flush()
	return nil
}

// cacheSet stores value unless a write committed since gen was read.
func (s *Storage) cacheSet(key string, value any, gen uint64) {
	if s.generation.Load() == gen {
		s.cache.Set(key, value, cache.DefaultExpiration)
	}
}

func (s *Storage) Close() error {
	if s.cache != nil {
		s.cache.Flush()
	}
	return s.db.Close()
}

func configureSQLitePragmas(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("error setting journal mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA auto_vacuum = INCREMENTAL;"); err != nil {
		return fmt.Errorf("error setting auto vacuum: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		return fmt.Errorf("error setting synchronous: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA cache_size = %d;", defaultCacheSize)); err != nil {
		return fmt.Errorf("error setting cache size: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %d;", defaultPageSize)); err != nil {
		return fmt.Errorf("error setting page size: %w", err)
	}
	return nil
}

// VacuumDatabase reclaims pages freed by pruning.
func (s *Storage) VacuumDatabase(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	if err != nil {
		return fmt.Errorf("error performing incremental vacuum: %w", err)
	}

	return nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing time %s: %w", ns.String, err)
	}
	return t, nil
}
