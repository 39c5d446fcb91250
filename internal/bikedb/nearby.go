package bikedb

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/tkrajina/gpxgo/gpx"
)

// StationWithDistance associates a Station with its distance in meters from
// a search point.
type StationWithDistance struct {
	Station  Station `json:"station"`
	Distance float64 `json:"distance_m"`
}

// NearbyStations returns the stations within distance meters of lat/lng,
// closest first.
func (s *Storage) NearbyStations(ctx context.Context, lat, lng, distance float64) ([]StationWithDistance, error) {
	cacheKey := fmt.Sprintf("nearby_stations_%f_%f_%f", lat, lng, distance)

	if cachedData, found := s.cache.Get(cacheKey); found {
		s.log.Debug("Using cached data", "key", cacheKey)
		return slices.Clone(cachedData.([]StationWithDistance)), nil
	}
	s.log.Debug("Fetching data from database, cached data not found", "key", cacheKey)

	gen := s.generation.Load()
	stations, err := s.AllStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting stations: %w", err)
	}

	var nearby []StationWithDistance
	for _, station := range stations {
		d := gpx.Distance2D(lat, lng, station.Lat, station.Lon, true)
		if d <= distance {
			nearby = append(nearby, StationWithDistance{Station: station, Distance: d})
		}
	}

	sort.SliceStable(nearby, func(i, j int) bool {
		return nearby[i].Distance < nearby[j].Distance
	})

	s.cacheSet(cacheKey, nearby, gen)

	return slices.Clone(nearby), nil
}
