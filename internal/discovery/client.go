// Package discovery consumes the external node directory: it fetches,
// validates and caches the relay node list and fans updates out to
// subscribers (typically a pool.Tracker).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v3"

	"github.com/DragonSecurity/ferry/pkg/util"
)

// Record is one directory entry after validation and normalization. URL is
// the node's protocol root; a plain origin with no path implies the default
// /bare mount (see bare.Endpoint).
type Record struct {
	URL      string   `json:"url"`
	Region   string   `json:"region"`
	Operator string   `json:"operator"`
	Verified bool     `json:"verified"`
	Features []string `json:"features"`
	Uptime   float64  `json:"uptime"`
}

// Filter narrows a directory query.
type Filter struct {
	Region   string
	Verified bool
	Features []string
}

type nodesResponse struct {
	Nodes []json.RawMessage `json:"nodes"`
}

// Client caches the directory's node list. A failed fetch never clobbers
// the previous cache.
type Client struct {
	baseURL string
	http    *http.Client
	log     *util.Logger
	clock   clock.Clock

	mu        sync.Mutex
	cache     []Record
	lastFetch time.Time
	subs      map[int]func([]Record)
	nextSub   int
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock substitutes the time source, for tests.
func WithClock(ck clock.Clock) Option {
	return func(c *Client) { c.clock = ck }
}

func NewClient(baseURL string, log *util.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
		clock:   clock.New(),
		subs:    map[int]func([]Record){},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch queries the directory, replaces the cache on success and notifies
// every subscriber with the new set. Transient failures are retried with
// exponential backoff before the error is surfaced.
func (c *Client) Fetch(ctx context.Context, f Filter) ([]Record, error) {
	var records []Record
	op := func() error {
		var err error
		records, err = c.fetchOnce(ctx, f)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache = records
	c.lastFetch = c.clock.Now()
	subs := make([]func([]Record), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(records)
	}
	return records, nil
}

func (c *Client) fetchOnce(ctx context.Context, f Filter) ([]Record, error) {
	q := url.Values{}
	if f.Region != "" {
		q.Set("region", f.Region)
	}
	if f.Verified {
		q.Set("verified", "true")
	}
	if len(f.Features) > 0 {
		q.Set("features", strings.Join(f.Features, ","))
	}
	endpoint := c.baseURL + "/nodes"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
		return nil, fmt.Errorf("directory returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var raw nodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}

	records := make([]Record, 0, len(raw.Nodes))
	for _, m := range raw.Nodes {
		rec, ok := normalize(m)
		if !ok {
			continue // invalid records are dropped, never inserted
		}
		records = append(records, rec)
	}
	return records, nil
}

// normalize validates one raw directory entry and fills defaults.
func normalize(m json.RawMessage) (Record, bool) {
	var rec Record
	if err := json.Unmarshal(m, &rec); err != nil {
		return Record{}, false
	}
	u, err := url.Parse(rec.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Record{}, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Record{}, false
	}
	if rec.Region == "" {
		rec.Region = "unknown"
	}
	if rec.Features == nil {
		rec.Features = []string{}
	}
	return rec, true
}

// Nodes returns the cached node set.
func (c *Client) Nodes() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.cache))
	copy(out, c.cache)
	return out
}

// Subscribe registers fn to be called synchronously with every new node
// set. The returned func unsubscribes.
func (c *Client) Subscribe(fn func([]Record)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// CacheAge reports how long ago the cache was last replaced. Before any
// successful fetch it is the maximum duration.
func (c *Client) CacheAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFetch.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return c.clock.Since(c.lastFetch)
}

// IsStale reports whether the cache is older than maxAge.
func (c *Client) IsStale(maxAge time.Duration) bool {
	return c.CacheAge() > maxAge
}

// StartAutoRefresh re-fetches on a fixed interval until ctx is done.
// Refresh failures are logged and swallowed: stale data beats an empty
// pool.
func (c *Client) StartAutoRefresh(ctx context.Context, interval time.Duration, f Filter) {
	go func() {
		t := c.clock.Ticker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := c.Fetch(ctx, f); err != nil {
					c.log.Warnf("node list refresh failed, keeping cached set: %v", err)
				}
			}
		}
	}()
}

// HealthReport is a caller-side observation pushed to the directory.
type HealthReport struct {
	URL       string  `json:"url"`
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms"`
}

// ReportHealth posts caller-side node observations to the directory's
// health sink. Best effort: callers treat failures as non-fatal.
func (c *Client) ReportHealth(ctx context.Context, reports []HealthReport) error {
	body, err := json.Marshal(map[string]any{"reports": reports})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/health", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health report rejected: %s", resp.Status)
	}
	return nil
}
