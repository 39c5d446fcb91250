// Package gbfs provides a client for General Bikeshare Feed Specification
// data sources: auto-discovery of sub-feed endpoints and retrieval of the
// station_information and station_status feeds.
package gbfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultUserAgent = "bikedb/1.0"
)

// Client fetches GBFS documents. A Client allows a single outstanding
// request: issuing a new fetch cancels the previous one, whose result is
// discarded.
type Client struct {
	httpClient *http.Client

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewClient creates a Client using httpClient, or a client with
// DefaultTimeout when httpClient is nil.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: DefaultTimeout,
		}
	}
	return &Client{httpClient: httpClient}
}

// FetchJSON performs a single GET request against url and returns the
// decoded top-level JSON object. Transport and status failures return a
// *NetworkError, payloads that are not a JSON object a *DecodeError.
func (c *Client) FetchJSON(ctx context.Context, url string) (gjson.Result, error) {
	reqCtx, seq := c.begin(ctx)
	defer c.end(seq)

	body, err := c.get(reqCtx, url)
	if c.superseded(seq) {
		return gjson.Result{}, fmt.Errorf("%s: %w", url, ErrSuperseded)
	}
	if err != nil {
		return gjson.Result{}, err
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &DecodeError{URL: url, Err: errors.New("invalid JSON payload")}
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, &DecodeError{URL: url, Err: errors.New("top-level value is not an object")}
	}

	return doc, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("error creating request: %w", err)}
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("error reading response body: %w", err)}
	}

	return body, nil
}

// begin cancels any outstanding request and registers a new one.
func (c *Client) begin(ctx context.Context) (context.Context, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.seq++
	c.cancel = cancel

	return reqCtx, c.seq
}

func (c *Client) end(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seq == seq && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Client) superseded(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq != seq
}
