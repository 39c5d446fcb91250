package bikedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

const allStationsCacheKey = "all_stations"

// Station is a bike-share station. Static attributes come from the
// station_information feed, live attributes from station_status.
type Station struct {
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Capacity  int     `json:"capacity"`

	AvailableBikes int  `json:"available_bikes"`
	AvailableDocks int  `json:"available_docks"`
	IsInstalled    bool `json:"is_installed"`
	IsRenting      bool `json:"is_renting"`
	IsReturning    bool `json:"is_returning"`

	InfoUpdatedAt   time.Time `json:"info_updated_at,omitzero"`
	StatusUpdatedAt time.Time `json:"status_updated_at,omitzero"`
}

const stationColumns = `station_id, name, lat, lon, capacity,
	available_bikes, available_docks, is_installed, is_renting, is_returning,
	info_updated_at, status_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(row rowScanner) (*Station, error) {
	var st Station
	var infoUpdated, statusUpdated sql.NullString
	if err := row.Scan(
		&st.StationID, &st.Name, &st.Lat, &st.Lon, &st.Capacity,
		&st.AvailableBikes, &st.AvailableDocks, &st.IsInstalled, &st.IsRenting, &st.IsReturning,
		&infoUpdated, &statusUpdated,
	); err != nil {
		return nil, err
	}

	var err error
	if st.InfoUpdatedAt, err = parseTime(infoUpdated); err != nil {
		return nil, err
	}
	if st.StatusUpdatedAt, err = parseTime(statusUpdated); err != nil {
		return nil, err
	}
	return &st, nil
}

// Tx is an open write transaction handed to WithWriteTransaction callbacks.
// It must not be used after the callback returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// FindByID returns the station with the given id, or nil when absent.
func (t *Tx) FindByID(id string) (*Station, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+stationColumns+" FROM stations WHERE station_id = ?", id)
	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying station %s: %w", id, err)
	}
	return st, nil
}

// Insert adds a new station.
func (t *Tx) Insert(st *Station) error {
	_, err := t.tx.ExecContext(t.ctx, "INSERT INTO stations ("+stationColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		st.StationID, st.Name, st.Lat, st.Lon, st.Capacity,
		st.AvailableBikes, st.AvailableDocks, st.IsInstalled, st.IsRenting, st.IsReturning,
		formatTime(st.InfoUpdatedAt), formatTime(st.StatusUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("error inserting station %s: %w", st.StationID, err)
	}
	return nil
}

// Update applies mutate to st and persists the result. The station id is
// the row key and must not be changed by mutate.
func (t *Tx) Update(st *Station, mutate func(st *Station)) error {
	id := st.StationID
	mutate(st)
	if st.StationID != id {
		return fmt.Errorf("error updating station %s: station id is immutable", id)
	}

	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE stations SET
			name = ?, lat = ?, lon = ?, capacity = ?,
			available_bikes = ?, available_docks = ?,
			is_installed = ?, is_renting = ?, is_returning = ?,
			info_updated_at = ?, status_updated_at = ?
		WHERE station_id = ?`,
		st.Name, st.Lat, st.Lon, st.Capacity,
		st.AvailableBikes, st.AvailableDocks,
		st.IsInstalled, st.IsRenting, st.IsReturning,
		formatTime(st.InfoUpdatedAt), formatTime(st.StatusUpdatedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("error updating station %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("error updating station %s: %w", id, ErrStationNotFound)
	}
	return nil
}

// ErrStationNotFound is returned when a station id is not in the store.
var ErrStationNotFound = errors.New("station not found")

// FindByID returns the station with the given id, or ErrStationNotFound.
func (s *Storage) FindByID(ctx context.Context, id string) (*Station, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+stationColumns+" FROM stations WHERE station_id = ?", id)
	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrStationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error querying station %s: %w", id, err)
	}
	return st, nil
}

// AllStations returns every station ordered by id.
func (s *Storage) AllStations(ctx context.Context) ([]Station, error) {
	if cachedData, found := s.cache.Get(allStationsCacheKey); found {
		s.log.Debug("Using cached data", "key", allStationsCacheKey)
		return slices.Clone(cachedData.([]Station)), nil
	}

	gen := s.generation.Load()
	rows, err := s.db.QueryContext(ctx, "SELECT "+stationColumns+" FROM stations ORDER BY station_id")
	if err != nil {
		return nil, fmt.Errorf("error querying stations: %w", err)
	}
	defer rows.Close()

	var stations []Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning station: %w", err)
		}
		stations = append(stations, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}

	s.cacheSet(allStationsCacheKey, stations, gen)

	return slices.Clone(stations), nil
}

// CountStations returns the number of stored stations.
func (s *Storage) CountStations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stations").Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting stations: %w", err)
	}
	return count, nil
}
