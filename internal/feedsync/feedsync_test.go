package feedsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/bikedb/internal/bikedb"
	"github.com/rubiojr/bikedb/pkg/gbfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	discoveryPath   = "/gbfs.json"
	informationPath = "/en/station_information.json"
	statusPath      = "/en/station_status.json"
)

const duckInformation = `{"last_updated": 1, "ttl": 10, "data": {"stations": [
	{"station_id": "duck", "name": "Pier 1", "lat": 40.7, "lon": -74.0, "capacity": 20}
]}}`

const duckStatus = `{"last_updated": 1, "ttl": 10, "data": {"stations": [
	{"station_id": "duck", "num_bikes_available": 3, "num_docks_available": 17,
	 "is_installed": true, "is_renting": true, "is_returning": true}
]}}`

type response struct {
	code int
	body string
}

// feedServer is a GBFS source whose documents can be swapped per test.
type feedServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string]response
	hits      map[string]int
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{
		responses: map[string]response{},
		hits:      map[string]int{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		resp, ok := f.responses[r.URL.Path]
		f.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.code)
		_, _ = w.Write([]byte(resp.body))
	}))
	f.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(f.Close)
	return f
}

func (f *feedServer) set(path string, code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = response{code: code, body: body}
}

func (f *feedServer) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// setDiscovery publishes a discovery document listing the given feed
// name/path pairs.
func (f *feedServer) setDiscovery(feeds ...string) {
	var entries []string
	for i := 0; i+1 < len(feeds); i += 2 {
		entries = append(entries, fmt.Sprintf(`{"name": %q, "url": %q}`, feeds[i], f.URL+feeds[i+1]))
	}
	f.set(discoveryPath, http.StatusOK,
		`{"last_updated": 1, "ttl": 10, "data": {"en": {"feeds": [`+strings.Join(entries, ",")+`]}}}`)
}

func (f *feedServer) setDuckFeeds() {
	f.setDiscovery(
		gbfs.FeedStationInformation, informationPath,
		gbfs.FeedStationStatus, statusPath,
	)
	f.set(informationPath, http.StatusOK, duckInformation)
	f.set(statusPath, http.StatusOK, duckStatus)
}

func newTestSyncer(t *testing.T, server *feedServer) (*Syncer, *bikedb.Storage) {
	t.Helper()
	storage, err := bikedb.NewStorage(context.Background(), filepath.Join(t.TempDir(), "bikes.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	syncer := New(gbfs.NewClient(nil), storage, nil, WithDiscoveryURL(server.URL+discoveryPath))
	return syncer, storage
}

func requireCompletion(t *testing.T, syncer *Syncer) Result {
	t.Helper()
	select {
	case res := <-syncer.Completed():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no sync-complete signal")
		return Result{}
	}
}

func requireNoCompletion(t *testing.T, syncer *Syncer) {
	t.Helper()
	select {
	case res := <-syncer.Completed():
		t.Fatalf("unexpected sync-complete signal: %+v", res)
	default:
	}
}

func TestRefreshAll_EndToEnd(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDuckFeeds()
	syncer, storage := newTestSyncer(t, server)

	res, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, KindAll, res.Kind)
	assert.Equal(t, bikedb.ApplyResult{Created: 1}, res.Information)
	assert.Equal(t, bikedb.ApplyResult{Updated: 1}, res.Status)
	assert.Equal(t, server.URL+informationPath, res.URLs.Information)
	assert.Equal(t, server.URL+statusPath, res.URLs.Status)
	assert.Equal(t, Idle, syncer.State())

	signaled := requireCompletion(t, syncer)
	assert.Equal(t, res, signaled)

	stations, err := storage.AllStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 1)
	duck := stations[0]
	assert.Equal(t, "duck", duck.StationID)
	assert.Equal(t, "Pier 1", duck.Name)
	assert.Equal(t, 40.7, duck.Lat)
	assert.Equal(t, -74.0, duck.Lon)
	assert.Equal(t, 20, duck.Capacity)
	assert.Equal(t, 3, duck.AvailableBikes)
	assert.Equal(t, 17, duck.AvailableDocks)
	assert.True(t, duck.IsInstalled)
	assert.True(t, duck.IsRenting)
	assert.True(t, duck.IsReturning)

	outcome, ok := syncer.Last()
	require.True(t, ok)
	assert.True(t, outcome.Done())

	logs, err := storage.GetSyncLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].OK)
	assert.Equal(t, KindAll, logs[0].Kind)
	assert.Equal(t, 1, logs[0].Information.Created)
}

func TestRefreshAll_StatusBeforeInformationCreatesNothing(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDiscovery(gbfs.FeedStationStatus, statusPath)
	server.set(statusPath, http.StatusOK, duckStatus)
	syncer, storage := newTestSyncer(t, server)

	res, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)

	assert.Empty(t, res.URLs.Information)
	assert.Equal(t, bikedb.ApplyResult{}, res.Information)
	assert.Equal(t, bikedb.ApplyResult{Discarded: 1}, res.Status)

	count, err := storage.CountStations(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	requireCompletion(t, syncer)
}

func TestRefreshAll_StatusFailureKeepsCommittedInformation(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDuckFeeds()
	server.set(statusPath, http.StatusInternalServerError, "boom")
	syncer, storage := newTestSyncer(t, server)

	_, err := syncer.RefreshAll(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, gbfs.ErrNetwork)
	requireNoCompletion(t, syncer)
	assert.Equal(t, Idle, syncer.State())

	duck, err := storage.FindByID(ctx, "duck")
	require.NoError(t, err)
	assert.Equal(t, "Pier 1", duck.Name)
	assert.Zero(t, duck.AvailableBikes)

	outcome, ok := syncer.Last()
	require.True(t, ok)
	assert.False(t, outcome.Done())

	logs, err := storage.GetSyncLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].OK)
	assert.Contains(t, logs[0].Error, "HTTP 500")
}

func TestRefreshAll_FailuresShortCircuit(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *feedServer)
		target     error
		infoHits   int
		statusHits int
	}{
		{
			name: "discovery unreachable",
			setup: func(f *feedServer) {
				f.setDuckFeeds()
				f.set(discoveryPath, http.StatusBadGateway, "bad gateway")
			},
			target: gbfs.ErrNetwork,
		},
		{
			name: "discovery not JSON",
			setup: func(f *feedServer) {
				f.setDuckFeeds()
				f.set(discoveryPath, http.StatusOK, "<html>maintenance</html>")
			},
			target: gbfs.ErrDecode,
		},
		{
			name: "discovery without feeds",
			setup: func(f *feedServer) {
				f.setDuckFeeds()
				f.set(discoveryPath, http.StatusOK, `{"data": {"en": {}}}`)
			},
			target: gbfs.ErrSchema,
		},
		{
			name: "information without stations",
			setup: func(f *feedServer) {
				f.setDuckFeeds()
				f.set(informationPath, http.StatusOK, `{"data": {}}`)
			},
			target:   gbfs.ErrSchema,
			infoHits: 1,
		},
		{
			name: "information truncated",
			setup: func(f *feedServer) {
				f.setDuckFeeds()
				f.set(informationPath, http.StatusOK, `{"data": {"stations": [`)
			},
			target:   gbfs.ErrDecode,
			infoHits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			server := newFeedServer(t)
			tt.setup(server)
			syncer, storage := newTestSyncer(t, server)

			_, err := syncer.RefreshAll(ctx)

			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.infoHits, server.hitCount(informationPath))
			assert.Equal(t, tt.statusHits, server.hitCount(statusPath))
			requireNoCompletion(t, syncer)

			count, err := storage.CountStations(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

func TestRefreshAll_ResolvesEveryTime(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDuckFeeds()
	syncer, _ := newTestSyncer(t, server)

	_, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)
	_, err = syncer.RefreshAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, server.hitCount(discoveryPath))
	assert.Equal(t, 2, server.hitCount(informationPath))
	assert.Equal(t, 2, server.hitCount(statusPath))
}

func TestRefreshStatusOnly_ResolvesOnceThenReusesURLs(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDuckFeeds()
	syncer, storage := newTestSyncer(t, server)

	_, resolved := syncer.FeedURLs()
	assert.False(t, resolved)

	// Nothing known yet: discovery runs, status is discarded.
	res, err := syncer.RefreshStatusOnly(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindStatus, res.Kind)
	assert.Equal(t, bikedb.ApplyResult{Discarded: 1}, res.Status)
	assert.Equal(t, 1, server.hitCount(discoveryPath))
	assert.Zero(t, server.hitCount(informationPath))
	requireCompletion(t, syncer)

	_, err = syncer.RefreshAll(ctx)
	require.NoError(t, err)
	requireCompletion(t, syncer)

	server.set(statusPath, http.StatusOK, `{"data": {"stations": [
		{"station_id": "duck", "num_bikes_available": 9, "num_docks_available": 11,
		 "is_installed": true, "is_renting": false, "is_returning": true}
	]}}`)

	res, err = syncer.RefreshStatusOnly(ctx)
	require.NoError(t, err)
	assert.Equal(t, bikedb.ApplyResult{Updated: 1}, res.Status)
	assert.Equal(t, 2, server.hitCount(discoveryPath))
	assert.Equal(t, 1, server.hitCount(informationPath))
	requireCompletion(t, syncer)

	duck, err := storage.FindByID(ctx, "duck")
	require.NoError(t, err)
	assert.Equal(t, 9, duck.AvailableBikes)
	assert.Equal(t, 11, duck.AvailableDocks)
	assert.False(t, duck.IsRenting)

	urls, resolved := syncer.FeedURLs()
	assert.True(t, resolved)
	assert.Equal(t, server.URL+statusPath, urls.Status)
}

func TestRefreshStatusOnly_NoStatusFeedIsNoop(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDiscovery(gbfs.FeedStationInformation, informationPath)
	server.set(informationPath, http.StatusOK, duckInformation)
	syncer, _ := newTestSyncer(t, server)

	res, err := syncer.RefreshStatusOnly(ctx)

	require.NoError(t, err)
	assert.Empty(t, res.URLs.Status)
	assert.Equal(t, bikedb.ApplyResult{}, res.Status)
	assert.Zero(t, server.hitCount(statusPath))
	requireCompletion(t, syncer)
}

func TestRefreshStatusOnly_DiscoveryFailure(t *testing.T) {
	server := newFeedServer(t)
	syncer, _ := newTestSyncer(t, server)

	_, err := syncer.RefreshStatusOnly(context.Background())

	assert.ErrorIs(t, err, gbfs.ErrNetwork)
	requireNoCompletion(t, syncer)
	_, resolved := syncer.FeedURLs()
	assert.False(t, resolved)
}

func TestCompleted_KeepsLatestWhenUnread(t *testing.T) {
	ctx := context.Background()
	server := newFeedServer(t)
	server.setDuckFeeds()
	syncer, _ := newTestSyncer(t, server)

	_, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)
	last, err := syncer.RefreshStatusOnly(ctx)
	require.NoError(t, err)

	got := requireCompletion(t, syncer)
	assert.Equal(t, last, got)
	requireNoCompletion(t, syncer)
}

// recordingStore records the order of store calls and whether any overlapped.
type recordingStore struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	overlap  bool
}

func (r *recordingStore) enter(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.inFlight++
	if r.inFlight > 1 {
		r.overlap = true
	}
}

func (r *recordingStore) leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
}

func (r *recordingStore) ApplyInformation(_ context.Context, records []gjson.Result) (bikedb.ApplyResult, error) {
	r.enter("information")
	defer r.leave()
	time.Sleep(5 * time.Millisecond)
	return bikedb.ApplyResult{Created: len(records)}, nil
}

func (r *recordingStore) ApplyStatus(_ context.Context, records []gjson.Result) (bikedb.ApplyResult, error) {
	r.enter("status")
	defer r.leave()
	time.Sleep(5 * time.Millisecond)
	return bikedb.ApplyResult{Updated: len(records)}, nil
}

func (r *recordingStore) LogSync(context.Context, bikedb.SyncLogEntry) error {
	return errors.New("sync log unavailable")
}

func TestSyncer_CyclesAreSerialized(t *testing.T) {
	server := newFeedServer(t)
	server.setDuckFeeds()
	store := &recordingStore{}
	syncer := New(gbfs.NewClient(nil), store, nil, WithDiscoveryURL(server.URL+discoveryPath))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := syncer.RefreshAll(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err, "a failing sync log must not fail the cycle")
	}
	assert.False(t, store.overlap, "store writes from different cycles overlapped")
	require.Len(t, store.calls, 8)
	for i := 0; i < len(store.calls); i += 2 {
		assert.Equal(t, "information", store.calls[i])
		assert.Equal(t, "status", store.calls[i+1])
	}
}

func TestRun(t *testing.T) {
	server := newFeedServer(t)
	server.setDuckFeeds()
	syncer, storage := newTestSyncer(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- syncer.Run(ctx, 10*time.Millisecond, time.Hour)
	}()

	require.Eventually(t, func() bool {
		select {
		case res := <-syncer.Completed():
			return res.Kind == KindStatus
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Equal(t, 1, server.hitCount(informationPath))
	assert.Equal(t, 1, server.hitCount(discoveryPath))
	duck, err := storage.FindByID(context.Background(), "duck")
	require.NoError(t, err)
	assert.Equal(t, 3, duck.AvailableBikes)
}

func TestRun_RetriesFullRefreshAfterFailure(t *testing.T) {
	server := newFeedServer(t)
	server.setDuckFeeds()
	server.set(discoveryPath, http.StatusServiceUnavailable, "starting up")
	syncer, _ := newTestSyncer(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = syncer.Run(ctx, 10*time.Millisecond, 0)
	}()

	require.Eventually(t, func() bool {
		return server.hitCount(discoveryPath) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	requireNoCompletion(t, syncer)

	server.setDuckFeeds()
	require.Eventually(t, func() bool {
		return server.hitCount(statusPath) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, server.hitCount(informationPath), "full refresh must stop once it succeeds")
}

func TestRun_InvalidInterval(t *testing.T) {
	syncer := New(gbfs.NewClient(nil), &recordingStore{}, nil)

	err := syncer.Run(context.Background(), 0, 0)

	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "discovering_feeds", DiscoveringFeeds.String())
	assert.Equal(t, "syncing_information", SyncingInformation.String())
	assert.Equal(t, "syncing_status", SyncingStatus.String())
	assert.Equal(t, "state(9)", State(9).String())
}
