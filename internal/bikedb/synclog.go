package bikedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncLogEntry is one recorded sync cycle.
type SyncLogEntry struct {
	ID          int64       `json:"id"`
	Kind        string      `json:"kind"`
	StartedAt   time.Time   `json:"started_at"`
	FinishedAt  time.Time   `json:"finished_at"`
	OK          bool        `json:"ok"`
	Error       string      `json:"error,omitempty"`
	Information ApplyResult `json:"information"`
	Status      ApplyResult `json:"status"`
}

func (s *Storage) CreateSyncLogTable(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		info_created INTEGER NOT NULL DEFAULT 0,
		info_updated INTEGER NOT NULL DEFAULT 0,
		info_unchanged INTEGER NOT NULL DEFAULT 0,
		info_skipped INTEGER NOT NULL DEFAULT 0,
		status_updated INTEGER NOT NULL DEFAULT 0,
		status_unchanged INTEGER NOT NULL DEFAULT 0,
		status_skipped INTEGER NOT NULL DEFAULT 0,
		status_discarded INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_started_at ON sync_log(started_at);
	`

	_, err := s.db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("error creating sync_log table: %w", err)
	}

	s.log.Debug("Sync log table created or verified")
	return nil
}

// LogSync records a finished sync cycle.
func (s *Storage) LogSync(ctx context.Context, entry SyncLogEntry) error {
	return s.WithWriteTransaction(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(tx.ctx, `
			INSERT INTO sync_log (
				kind, started_at, finished_at, ok, error,
				info_created, info_updated, info_unchanged, info_skipped,
				status_updated, status_unchanged, status_skipped, status_discarded
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Kind, formatTime(entry.StartedAt), formatTime(entry.FinishedAt), entry.OK, entry.Error,
			entry.Information.Created, entry.Information.Updated, entry.Information.Unchanged, entry.Information.Skipped,
			entry.Status.Updated, entry.Status.Unchanged, entry.Status.Skipped, entry.Status.Discarded,
		)
		if err != nil {
			return fmt.Errorf("error logging sync: %w", err)
		}
		return nil
	})
}

// GetSyncLogs returns the most recent sync cycles, newest first.
// limit: maximum number of rows to return (0 for all)
func (s *Storage) GetSyncLogs(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	query := `SELECT id, kind, started_at, finished_at, ok, error,
			  info_created, info_updated, info_unchanged, info_skipped,
			  status_updated, status_unchanged, status_skipped, status_discarded
			  FROM sync_log
			  ORDER BY id DESC `

	if limit > 0 {
		query += fmt.Sprintf("LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error retrieving sync logs: %w", err)
	}
	defer rows.Close()

	var logs []SyncLogEntry
	for rows.Next() {
		var entry SyncLogEntry
		var startedAt, finishedAt sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.Kind,
			&startedAt,
			&finishedAt,
			&entry.OK,
			&entry.Error,
			&entry.Information.Created,
			&entry.Information.Updated,
			&entry.Information.Unchanged,
			&entry.Information.Skipped,
			&entry.Status.Updated,
			&entry.Status.Unchanged,
			&entry.Status.Skipped,
			&entry.Status.Discarded,
		); err != nil {
			return nil, fmt.Errorf("error scanning sync log: %w", err)
		}
		if entry.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if entry.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}

	return logs, nil
}

// GetLastSuccessfulSync returns the finish time of the latest successful
// cycle, or nil when none has completed.
func (s *Storage) GetLastSuccessfulSync(ctx context.Context) (*time.Time, error) {
	var finishedAt string
	err := s.db.QueryRowContext(ctx, "SELECT finished_at FROM sync_log WHERE ok = 1 ORDER BY id DESC LIMIT 1").Scan(&finishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error querying last sync: %w", err)
	}

	last, err := time.Parse(timeLayout, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("error parsing date %s: %w", finishedAt, err)
	}

	return &last, nil
}
