package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/httprate"

	"github.com/rubiojr/bikedb/internal/bikedb"
	"github.com/rubiojr/bikedb/internal/feedsync"
	"github.com/rubiojr/bikedb/pkg/gbfs"
)

const defaultSyncLogLimit = 20

type server struct {
	storage  *bikedb.Storage
	syncer   *feedsync.Syncer
	geocoder *geocoder
	log      *slog.Logger
}

// routes builds the HTTP API. requestLogger may be nil.
func (s *server) routes(rateLimit int, requestLogger *httplog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	if requestLogger != nil {
		r.Use(httplog.RequestLogger(requestLogger))
	}
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(rateLimit, time.Minute))

	r.Get("/stations", s.listStations)
	r.Get("/stations/{id}", s.getStation)
	r.Get("/stations/{id}/history", s.stationHistory)
	r.Get("/nearby", s.nearby)
	r.Post("/refresh", s.refresh)
	r.Get("/sync", s.syncStatus)
	return r
}

func (s *server) listStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.storage.AllStations(r.Context())
	if err != nil {
		s.serverError(w, "Error listing stations", err)
		return
	}
	if stations == nil {
		stations = []bikedb.Station{}
	}
	s.writeJSON(w, http.StatusOK, stations)
}

func (s *server) getStation(w http.ResponseWriter, r *http.Request) {
	st, err := s.storage.FindByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, bikedb.ErrStationNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.serverError(w, "Error finding station", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *server) stationHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := s.storage.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.serverError(w, "Error reading history", err)
		return
	}
	if samples == nil {
		samples = []bikedb.AvailabilitySample{}
	}
	s.writeJSON(w, http.StatusOK, samples)
}

func (s *server) nearby(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	radius := defaultRadiusKm
	if radiusStr := query.Get("radius"); radiusStr != "" {
		v, err := strconv.ParseFloat(radiusStr, 64)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid radius value")
			return
		}
		radius = v
	}

	var lat, lng float64
	var err error
	if location := query.Get("location"); location != "" {
		lat, lng, _, err = s.geocoder.Locate(location)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
	} else {
		latStr, lngStr := query.Get("lat"), query.Get("lng")
		if latStr == "" || lngStr == "" {
			s.writeError(w, http.StatusBadRequest, "location or lat and lng are required")
			return
		}
		lat, err = strconv.ParseFloat(latStr, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid latitude value")
			return
		}
		lng, err = strconv.ParseFloat(lngStr, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid longitude value")
			return
		}
	}

	stations, err := s.storage.NearbyStations(r.Context(), lat, lng, radius*metersPerKm)
	if err != nil {
		s.serverError(w, "Error finding nearby stations", err)
		return
	}
	if stations == nil {
		stations = []bikedb.StationWithDistance{}
	}
	s.writeJSON(w, http.StatusOK, stations)
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	var res feedsync.Result
	var err error
	if full {
		res, err = s.syncer.RefreshAll(r.Context())
	} else {
		res, err = s.syncer.RefreshStatusOnly(r.Context())
	}

	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, gbfs.ErrNetwork), errors.Is(err, gbfs.ErrDecode), errors.Is(err, gbfs.ErrSchema):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.serverError(w, "Error refreshing", err)
	}
}

type syncStatus struct {
	State       string                `json:"state"`
	FeedURLs    *gbfs.FeedURLs        `json:"feed_urls,omitempty"`
	LastSuccess *time.Time            `json:"last_success,omitempty"`
	Stations    int                   `json:"stations"`
	Logs        []bikedb.SyncLogEntry `json:"logs"`
}

func (s *server) syncStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultSyncLogLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := syncStatus{State: s.syncer.State().String()}
	if urls, ok := s.syncer.FeedURLs(); ok {
		status.FeedURLs = &urls
	}
	if status.LastSuccess, err = s.storage.GetLastSuccessfulSync(r.Context()); err != nil {
		s.serverError(w, "Error reading sync log", err)
		return
	}
	if status.Stations, err = s.storage.CountStations(r.Context()); err != nil {
		s.serverError(w, "Error counting stations", err)
		return
	}
	if status.Logs, err = s.storage.GetSyncLogs(r.Context(), limit); err != nil {
		s.serverError(w, "Error reading sync log", err)
		return
	}
	if status.Logs == nil {
		status.Logs = []bikedb.SyncLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *server) serverError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	s.writeError(w, http.StatusInternalServerError, msg)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " value")
	}
	return n, nil
}

// writeJSON encodes v before writing anything, so an encoding failure can
// still be answered with a 500.
func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.log.Error("Error encoding response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(map[string]string{"error": "Error encoding response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.log.Debug("Error writing response", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
