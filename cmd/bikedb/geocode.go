package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/muesli/gominatim"
	"github.com/patrickmn/go-cache"
)

const nominatimServer = "https://nominatim.openstreetmap.org/"

type searchFunc func(query string) ([]gominatim.SearchResult, error)

// geocoder resolves place names through Nominatim, caching the first match.
type geocoder struct {
	cache  *cache.Cache
	search searchFunc
}

func newGeocoder() *geocoder {
	gominatim.SetServer(nominatimServer)
	return &geocoder{
		cache:  cache.New(30*time.Minute, 90*time.Minute),
		search: nominatimSearch,
	}
}

func nominatimSearch(query string) ([]gominatim.SearchResult, error) {
	qry := gominatim.SearchQuery{
		Q: query,
	}
	return qry.Get()
}

// Locate returns the coordinates and display name of the best match.
func (g *geocoder) Locate(location string) (lat, lng float64, name string, err error) {
	if cached, ok := g.cache.Get(location); ok {
		return searchResultToLatLon(cached.(gominatim.SearchResult))
	}

	results, err := g.search(location)
	if err != nil {
		return 0, 0, "", fmt.Errorf("geocoding error: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, "", fmt.Errorf("no results found for location: %s", location)
	}
	g.cache.Set(location, results[0], cache.DefaultExpiration)

	return searchResultToLatLon(results[0])
}

func searchResultToLatLon(result gominatim.SearchResult) (lat, lng float64, name string, err error) {
	lat, err = strconv.ParseFloat(result.Lat, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("error parsing latitude: %w", err)
	}

	lng, err = strconv.ParseFloat(result.Lon, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("error parsing longitude: %w", err)
	}

	return lat, lng, result.DisplayName, nil
}
