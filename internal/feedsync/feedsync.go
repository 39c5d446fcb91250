// Package feedsync sequences GBFS feed discovery, station information sync
// and station status sync against a station store.
package feedsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rubiojr/bikedb/internal/bikedb"
	"github.com/rubiojr/bikedb/pkg/gbfs"
	"github.com/tidwall/gjson"
)

// Cycle kinds recorded in results and the sync log.
const (
	KindAll    = "all"
	KindStatus = "status"
)

// State is the step a Syncer is currently executing.
type State int32

const (
	Idle State = iota
	DiscoveringFeeds
	SyncingInformation
	SyncingStatus
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DiscoveringFeeds:
		return "discovering_feeds"
	case SyncingInformation:
		return "syncing_information"
	case SyncingStatus:
		return "syncing_status"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is the station store the Syncer reconciles feeds into.
type Store interface {
	ApplyInformation(ctx context.Context, records []gjson.Result) (bikedb.ApplyResult, error)
	ApplyStatus(ctx context.Context, records []gjson.Result) (bikedb.ApplyResult, error)
	LogSync(ctx context.Context, entry bikedb.SyncLogEntry) error
}

// Result describes one sync cycle.
type Result struct {
	Kind        string             `json:"kind"`
	URLs        gbfs.FeedURLs      `json:"urls"`
	Information bikedb.ApplyResult `json:"information"`
	Status      bikedb.ApplyResult `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Syncer keeps a station store synchronized with a GBFS source. Cycles are
// serialized: a refresh waits for any running cycle to finish.
type Syncer struct {
	fetcher  gbfs.Fetcher
	resolver *gbfs.Resolver
	store    Store
	log      *slog.Logger

	// mu serializes cycles. urls and resolved are written only by a running
	// cycle, under lastMu as well so readers never wait for a cycle.
	mu       sync.Mutex
	urls     gbfs.FeedURLs
	resolved bool

	state     atomic.Int32
	completed chan Result

	lastMu  sync.RWMutex
	last    Outcome
	hasLast bool
}

// Outcome is a finished cycle: Done when Err is nil, Failed otherwise.
type Outcome struct {
	Result Result
	Err    error
}

// Done reports whether the cycle completed successfully.
func (o Outcome) Done() bool {
	return o.Err == nil
}

// Option configures a Syncer.
type Option func(*options)

type options struct {
	discoveryURL string
	language     string
}

// WithDiscoveryURL sets the auto-discovery document URL.
func WithDiscoveryURL(url string) Option {
	return func(o *options) {
		o.discoveryURL = url
	}
}

// WithLanguage selects the discovery document language block.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// New creates a Syncer fetching documents through fetcher and writing to store.
func New(fetcher gbfs.Fetcher, store Store, logger *slog.Logger, opts ...Option) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	return &Syncer{
		fetcher:   fetcher,
		resolver:  gbfs.NewResolver(fetcher, o.discoveryURL, logger, gbfs.WithLanguage(o.language)),
		store:     store,
		log:       logger,
		completed: make(chan Result, 1),
	}
}

// Completed delivers a Result after every successful cycle. Failed cycles
// are never signaled. When the reader falls behind only the latest
// completion is kept.
func (s *Syncer) Completed() <-chan Result {
	return s.completed
}

// State returns the step currently executing.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

// FeedURLs returns the feed URLs from the last successful discovery and
// whether discovery has succeeded yet.
func (s *Syncer) FeedURLs() (gbfs.FeedURLs, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.urls, s.resolved
}

// Last returns the outcome of the most recent cycle. ok is false when no
// cycle has run.
func (s *Syncer) Last() (Outcome, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last, s.hasLast
}

// RefreshAll resolves the feed URLs, then syncs station information and
// station status, in that order. The first failing step ends the cycle;
// steps already committed stay committed.
func (s *Syncer) RefreshAll(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Kind: KindAll, StartedAt: time.Now().UTC()}
	err := s.refreshAll(ctx, &res)
	return s.finish(ctx, res, err)
}

func (s *Syncer) refreshAll(ctx context.Context, res *Result) error {
	if err := s.discover(ctx); err != nil {
		return err
	}
	res.URLs = s.urls

	var err error
	s.setState(SyncingInformation)
	res.Information, err = s.syncFeed(ctx, s.urls.Information, gbfs.FeedStationInformation, s.store.ApplyInformation)
	if err != nil {
		return err
	}

	s.setState(SyncingStatus)
	res.Status, err = s.syncFeed(ctx, s.urls.Status, gbfs.FeedStationStatus, s.store.ApplyStatus)
	return err
}

// RefreshStatusOnly syncs station status using the URLs of a previous
// discovery, running discovery first if it never succeeded. A source that
// does not advertise station_status makes this a no-op.
func (s *Syncer) RefreshStatusOnly(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{Kind: KindStatus, StartedAt: time.Now().UTC()}
	err := s.refreshStatus(ctx, &res)
	return s.finish(ctx, res, err)
}

func (s *Syncer) refreshStatus(ctx context.Context, res *Result) error {
	if !s.resolved {
		if err := s.discover(ctx); err != nil {
			return err
		}
	}
	res.URLs = s.urls

	var err error
	s.setState(SyncingStatus)
	res.Status, err = s.syncFeed(ctx, s.urls.Status, gbfs.FeedStationStatus, s.store.ApplyStatus)
	return err
}

// discover replaces the resolved URLs. A failed discovery keeps the
// previous ones.
func (s *Syncer) discover(ctx context.Context) error {
	s.setState(DiscoveringFeeds)
	urls, err := s.resolver.ResolveFeedURLs(ctx)
	if err != nil {
		return fmt.Errorf("error resolving feeds: %w", err)
	}
	s.lastMu.Lock()
	s.urls = urls
	s.resolved = true
	s.lastMu.Unlock()
	return nil
}

type applyFunc func(ctx context.Context, records []gjson.Result) (bikedb.ApplyResult, error)

func (s *Syncer) syncFeed(ctx context.Context, url, feed string, apply applyFunc) (bikedb.ApplyResult, error) {
	if url == "" {
		s.log.Debug("Feed not advertised, skipping", "feed", feed)
		return bikedb.ApplyResult{}, nil
	}

	s.log.Debug("Fetching feed", "feed", feed, "url", url)
	doc, err := s.fetcher.FetchJSON(ctx, url)
	if err != nil {
		return bikedb.ApplyResult{}, fmt.Errorf("error fetching %s: %w", feed, err)
	}

	records, err := gbfs.StationRecords(doc, feed)
	if err != nil {
		return bikedb.ApplyResult{}, err
	}

	applied, err := apply(ctx, records)
	if err != nil {
		return bikedb.ApplyResult{}, fmt.Errorf("error applying %s: %w", feed, err)
	}
	return applied, nil
}

func (s *Syncer) finish(ctx context.Context, res Result, err error) (Result, error) {
	res.FinishedAt = time.Now().UTC()
	s.setState(Idle)

	s.lastMu.Lock()
	s.last, s.hasLast = Outcome{Result: res, Err: err}, true
	s.lastMu.Unlock()

	entry := bikedb.SyncLogEntry{
		Kind:        res.Kind,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		OK:          err == nil,
		Information: res.Information,
		Status:      res.Status,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := s.store.LogSync(context.WithoutCancel(ctx), entry); logErr != nil {
		s.log.Error("Failed to log sync", "error", logErr)
	}

	if err != nil {
		s.log.Error("Sync failed", "kind", res.Kind, "error", err)
		return res, err
	}

	s.log.Info("Sync completed",
		"kind", res.Kind,
		"info_created", res.Information.Created,
		"info_updated", res.Information.Updated,
		"info_skipped", res.Information.Skipped,
		"status_updated", res.Status.Updated,
		"status_skipped", res.Status.Skipped,
		"status_discarded", res.Status.Discarded,
		"duration", res.FinishedAt.Sub(res.StartedAt))
	s.notify(res)

	return res, nil
}

// notify never blocks; an unread completion is replaced by the newer one.
// Only finish sends, and finish runs under s.mu.
func (s *Syncer) notify(res Result) {
	select {
	case s.completed <- res:
		return
	default:
	}
	select {
	case <-s.completed:
	default:
	}
	select {
	case s.completed <- res:
	default:
	}
}

func (s *Syncer) setState(state State) {
	s.state.Store(int32(state))
}
