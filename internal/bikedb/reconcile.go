package bikedb

import (
	"context"
	"time"

	"github.com/rubiojr/bikedb/pkg/gbfs"
	"github.com/tidwall/gjson"
)

// ApplyResult counts what happened to the records of one feed batch.
type ApplyResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Discarded int `json:"discarded"`
}

// Applied is the number of valid records matched to a station.
func (r ApplyResult) Applied() int {
	return r.Created + r.Updated + r.Unchanged
}

// ApplyInformation upserts station_information records. New stations are
// created with zero live fields; existing stations only get their static
// fields overwritten. Invalid records are skipped and stations missing from
// the batch are left alone.
func (s *Storage) ApplyInformation(ctx context.Context, records []gjson.Result) (ApplyResult, error) {
	var res ApplyResult
	now := time.Now().UTC()

	err := s.WithWriteTransaction(ctx, func(tx *Tx) error {
		res = ApplyResult{}
		for _, rec := range records {
			info, err := gbfs.ParseStationInformation(rec)
			if err != nil {
				res.Skipped++
				s.log.Warn("Skipping station record", "error", err)
				continue
			}

			st, err := tx.FindByID(info.StationID)
			if err != nil {
				return err
			}

			if st == nil {
				st = &Station{StationID: info.StationID}
				setInformation(st, info, now)
				if err := tx.Insert(st); err != nil {
					return err
				}
				res.Created++
				continue
			}

			if sameInformation(st, info) {
				res.Unchanged++
				continue
			}
			err = tx.Update(st, func(st *Station) {
				setInformation(st, info, now)
			})
			if err != nil {
				return err
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	s.log.Debug("Station information applied",
		"created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged, "skipped", res.Skipped)
	return res, nil
}

// ApplyStatus overwrites the live fields of known stations from
// station_status records. Records for unknown stations are discarded, the
// status feed never creates stations.
func (s *Storage) ApplyStatus(ctx context.Context, records []gjson.Result) (ApplyResult, error) {
	var res ApplyResult
	now := time.Now().UTC()

	err := s.WithWriteTransaction(ctx, func(tx *Tx) error {
		res = ApplyResult{}
		for _, rec := range records {
			status, err := gbfs.ParseStationStatus(rec)
			if err != nil {
				res.Skipped++
				s.log.Warn("Skipping station record", "error", err)
				continue
			}

			st, err := tx.FindByID(status.StationID)
			if err != nil {
				return err
			}
			if st == nil {
				res.Discarded++
				s.log.Debug("Discarding status for unknown station", "station_id", status.StationID)
				continue
			}

			if sameStatus(st, status) && !st.StatusUpdatedAt.IsZero() {
				res.Unchanged++
				continue
			}
			err = tx.Update(st, func(st *Station) {
				setStatus(st, status, now)
			})
			if err != nil {
				return err
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	s.log.Debug("Station status applied",
		"updated", res.Updated, "unchanged", res.Unchanged, "skipped", res.Skipped, "discarded", res.Discarded)
	return res, nil
}

// Unchanged records are not rewritten, so update timestamps and the
// availability history only move when a feed reports something new.
func sameInformation(st *Station, info gbfs.StationInformation) bool {
	return st.Name == info.Name &&
		st.Lat == info.Lat &&
		st.Lon == info.Lon &&
		st.Capacity == info.Capacity
}

func sameStatus(st *Station, status gbfs.StationStatus) bool {
	return st.AvailableBikes == status.NumBikesAvailable &&
		st.AvailableDocks == status.NumDocksAvailable &&
		st.IsInstalled == status.IsInstalled &&
		st.IsRenting == status.IsRenting &&
		st.IsReturning == status.IsReturning
}

func setInformation(st *Station, info gbfs.StationInformation, now time.Time) {
	st.Name = info.Name
	st.Lat = info.Lat
	st.Lon = info.Lon
	st.Capacity = info.Capacity
	st.InfoUpdatedAt = now
}

func setStatus(st *Station, status gbfs.StationStatus, now time.Time) {
	st.AvailableBikes = status.NumBikesAvailable
	st.AvailableDocks = status.NumDocksAvailable
	st.IsInstalled = status.IsInstalled
	st.IsRenting = status.IsRenting
	st.IsReturning = status.IsReturning
	st.StatusUpdatedAt = now
}
