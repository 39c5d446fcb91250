package gbfs

import (
	"context"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"
)

const (
	DefaultDiscoveryURL = "https://gbfs.citibikenyc.com/gbfs/gbfs.json"
	DefaultLanguage     = "en"

	FeedDiscovery          = "gbfs"
	FeedStationInformation = "station_information"
	FeedStationStatus      = "station_status"
)

// Fetcher retrieves a GBFS document as a JSON object.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string) (gjson.Result, error)
}

// FeedURLs holds the sub-feed endpoints found in an auto-discovery document.
// An empty URL means the feed was not advertised.
type FeedURLs struct {
	Information string `json:"station_information,omitempty"`
	Status      string `json:"station_status,omitempty"`
}

// Resolver resolves sub-feed URLs from an auto-discovery document.
type Resolver struct {
	fetcher  Fetcher
	url      string
	language string
	log      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLanguage selects the data.<language>.feeds block. Defaults to "en".
func WithLanguage(language string) ResolverOption {
	return func(r *Resolver) {
		if language != "" {
			r.language = language
		}
	}
}

// NewResolver creates a Resolver reading the auto-discovery document at
// discoveryURL, or DefaultDiscoveryURL when empty.
func NewResolver(fetcher Fetcher, discoveryURL string, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if discoveryURL == "" {
		discoveryURL = DefaultDiscoveryURL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{
		fetcher:  fetcher,
		url:      discoveryURL,
		language: DefaultLanguage,
		log:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// URL returns the auto-discovery document URL.
func (r *Resolver) URL() string {
	return r.url
}

// ResolveFeedURLs fetches the auto-discovery document and extracts the
// station_information and station_status URLs. Feeds that are not listed
// are left empty and are not an error.
func (r *Resolver) ResolveFeedURLs(ctx context.Context) (FeedURLs, error) {
	doc, err := r.fetcher.FetchJSON(ctx, r.url)
	if err != nil {
		return FeedURLs{}, err
	}

	urls, err := ParseDiscovery(doc, r.language)
	if err != nil {
		return FeedURLs{}, err
	}

	if urls.Information == "" {
		r.log.Warn("feed not advertised", "feed", FeedStationInformation, "discovery_url", r.url)
	}
	if urls.Status == "" {
		r.log.Warn("feed not advertised", "feed", FeedStationStatus, "discovery_url", r.url)
	}
	r.log.Debug("feeds resolved", "information_url", urls.Information, "status_url", urls.Status)

	return urls, nil
}

// ParseDiscovery extracts feed URLs from data.<language>.feeds. Entries
// without a string name or url are ignored, and a repeated feed name keeps
// the last URL listed.
func ParseDiscovery(doc gjson.Result, language string) (FeedURLs, error) {
	if language == "" {
		language = DefaultLanguage
	}

	feeds := doc.Get("data").Get(gjson.Escape(language)).Get("feeds")
	if !feeds.IsArray() {
		return FeedURLs{}, &SchemaError{
			Feed: FeedDiscovery,
			Path: "data." + language + ".feeds",
			Msg:  "is missing or not an array",
		}
	}

	var urls FeedURLs
	for _, feed := range feeds.Array() {
		name := feed.Get("name")
		url := feed.Get("url")
		if name.Type != gjson.String || url.Type != gjson.String {
			continue
		}

		switch name.Str {
		case FeedStationInformation:
			urls.Information = url.Str
		case FeedStationStatus:
			urls.Status = url.Str
		}
	}

	return urls, nil
}

// StationRecords returns the data.stations array of a station feed.
func StationRecords(doc gjson.Result, feed string) ([]gjson.Result, error) {
	stations := doc.Get("data.stations")
	if !stations.IsArray() {
		return nil, &SchemaError{
			Feed: feed,
			Path: "data.stations",
			Msg:  "is missing or not an array",
		}
	}
	return stations.Array(), nil
}
