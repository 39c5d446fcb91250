package bikedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	pruneBatchSize  = 1000
	pruneBatchPause = 50 * time.Millisecond
)

// AvailabilitySample is a recorded change of a station's live fields.
type AvailabilitySample struct {
	StationID      string    `json:"station_id"`
	RecordedAt     time.Time `json:"recorded_at"`
	AvailableBikes int       `json:"available_bikes"`
	AvailableDocks int       `json:"available_docks"`
	IsInstalled    bool      `json:"is_installed"`
	IsRenting      bool      `json:"is_renting"`
	IsReturning    bool      `json:"is_returning"`
}

func (s *Storage) CreateHistoryTable(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS availability_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		available_bikes INTEGER NOT NULL,
		available_docks INTEGER NOT NULL,
		is_installed INTEGER NOT NULL,
		is_renting INTEGER NOT NULL,
		is_returning INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_availability_history_station ON availability_history(station_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_availability_history_recorded_at ON availability_history(recorded_at);
	`

	_, err := s.db.ExecContext(ctx, createTableSQL)
	if err != nil {
		return fmt.Errorf("error creating availability_history table: %w", err)
	}

	return nil
}

// CreateTrigger records a history row whenever a station's live fields change.
func (s *Storage) CreateTrigger(ctx context.Context) error {
	createTriggerSQL := `
	CREATE TRIGGER IF NOT EXISTS record_availability
	AFTER UPDATE OF available_bikes, available_docks, is_installed, is_renting, is_returning ON stations
	WHEN OLD.available_bikes IS NOT NEW.available_bikes
		OR OLD.available_docks IS NOT NEW.available_docks
		OR OLD.is_installed IS NOT NEW.is_installed
		OR OLD.is_renting IS NOT NEW.is_renting
		OR OLD.is_returning IS NOT NEW.is_returning
	BEGIN
		INSERT INTO availability_history (
			station_id, recorded_at, available_bikes, available_docks,
			is_installed, is_renting, is_returning
		) VALUES (
			NEW.station_id,
			COALESCE(NEW.status_updated_at, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			NEW.available_bikes,
			NEW.available_docks,
			NEW.is_installed,
			NEW.is_renting,
			NEW.is_returning
		);
	END;
	`

	_, err := s.db.ExecContext(ctx, createTriggerSQL)
	if err != nil {
		return fmt.Errorf("error creating trigger: %w", err)
	}

	return nil
}

// History returns the most recent availability samples of a station, newest
// first. A limit of 0 returns every sample.
func (s *Storage) History(ctx context.Context, stationID string, limit int) ([]AvailabilitySample, error) {
	query := `SELECT station_id, recorded_at, available_bikes, available_docks,
			  is_installed, is_renting, is_returning
			  FROM availability_history
			  WHERE station_id = ?
			  ORDER BY recorded_at DESC, id DESC `

	if limit > 0 {
		query += fmt.Sprintf("LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, stationID)
	if err != nil {
		return nil, fmt.Errorf("error retrieving availability history: %w", err)
	}
	defer rows.Close()

	var samples []AvailabilitySample
	for rows.Next() {
		var sample AvailabilitySample
		var recordedAt sql.NullString
		if err := rows.Scan(
			&sample.StationID,
			&recordedAt,
			&sample.AvailableBikes,
			&sample.AvailableDocks,
			&sample.IsInstalled,
			&sample.IsRenting,
			&sample.IsReturning,
		); err != nil {
			return nil, fmt.Errorf("error scanning availability sample: %w", err)
		}
		if sample.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}

	return samples, nil
}

// PruneHistory deletes availability samples older than daysOld days, in
// batches so readers are not blocked for long. Stations are never touched.
func (s *Storage) PruneHistory(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(timeLayout)

	s.log.Info("Starting cleanup of old availability samples", "cutoff", cutoff)

	var deleted int64
	for {
		var n int64
		err := s.WithWriteTransaction(ctx, func(tx *Tx) error {
			res, err := tx.tx.ExecContext(tx.ctx, `
				DELETE FROM availability_history WHERE id IN (
					SELECT id FROM availability_history WHERE recorded_at < ? ORDER BY id LIMIT ?
				)`, cutoff, pruneBatchSize)
			if err != nil {
				return fmt.Errorf("error deleting availability samples: %w", err)
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return deleted, err
		}

		deleted += n
		if n < pruneBatchSize {
			break
		}

		s.log.Debug("Deleted availability samples", "count", deleted)
		select {
		case <-ctx.Done():
			return deleted, ctx.Err()
		case <-time.After(pruneBatchPause):
		}
	}

	s.log.Info("Completed availability history cleanup", "deleted_count", deleted)
	return deleted, nil
}
