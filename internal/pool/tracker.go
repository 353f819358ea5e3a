// Package pool tracks relay node health and drives failover across them.
package pool

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultMaxFailures is the consecutive-failure threshold after which a
	// node is marked unhealthy.
	DefaultMaxFailures = 3
	// DefaultRecoveryInterval is how long an unhealthy node sits out before
	// selection gives it another chance.
	DefaultRecoveryInterval = 60 * time.Second

	emaKeep   = 0.7
	emaSample = 0.3
)

var metricHealthyNodes = prom.NewGauge(prom.GaugeOpts{
	Name: "ferry_pool_healthy_nodes",
	Help: "Number of nodes currently marked healthy.",
})

func init() {
	prom.MustRegister(metricHealthyNodes)
}

// Node is the tracker's per-node record. Latency is an exponential moving
// average in milliseconds; math.Inf(1) means no sample yet.
type Node struct {
	URL                 string
	Priority            int
	Healthy             bool
	Latency             float64
	ConsecutiveFailures int
	LastChecked         time.Time
	Successes           int
	Total               int
}

// NormalizeURL reduces a node URL to its uniqueness key:
// scheme + host + path, lowercased host, no trailing slash, no query.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

// Tracker owns every Node record. All mutation goes through report calls so
// read-modify-writes of failure counters and latency are serialized.
type Tracker struct {
	mu               sync.Mutex
	nodes            map[string]*Node
	maxFailures      int
	recoveryInterval time.Duration
	clock            clock.Clock
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithMaxFailures overrides the unhealthy threshold.
func WithMaxFailures(n int) TrackerOption {
	return func(t *Tracker) { t.maxFailures = n }
}

// WithRecoveryInterval overrides the lazy-recovery window.
func WithRecoveryInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.recoveryInterval = d }
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		nodes:            make(map[string]*Node),
		maxFailures:      DefaultMaxFailures,
		recoveryInterval: DefaultRecoveryInterval,
		clock:            clock.New(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Add registers a node. Re-adding an existing URL updates its priority but
// keeps accumulated state. Invalid URLs are rejected.
func (t *Tracker) Add(rawURL string, priority int) error {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[key]; ok {
		n.Priority = priority
		return nil
	}
	t.nodes[key] = &Node{
		URL:      key,
		Priority: priority,
		Healthy:  true,
		Latency:  math.Inf(1),
	}
	t.updateHealthGaugeLocked()
	return nil
}

// Remove drops a node. Removing an unknown URL is a no-op.
func (t *Tracker) Remove(rawURL string) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return
	}
	t.mu.Lock()
	delete(t.nodes, key)
	t.updateHealthGaugeLocked()
	t.mu.Unlock()
}

// Replace swaps the node set for urls, keeping state for survivors.
// Used by the discovery subscription.
func (t *Tracker) Replace(urls []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]*Node, len(urls))
	for i, raw := range urls {
		key, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if n, ok := t.nodes[key]; ok {
			next[key] = n
			continue
		}
		next[key] = &Node{URL: key, Priority: i, Healthy: true, Latency: math.Inf(1)}
	}
	t.nodes = next
	t.updateHealthGaugeLocked()
}

// ReportSuccess records a successful attempt and its measured latency.
// It resets the failure counter and revives an unhealthy node.
func (t *Tracker) ReportSuccess(rawURL string, latency time.Duration) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return
	}
	sample := float64(latency) / float64(time.Millisecond)
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	if !ok {
		return
	}
	n.Healthy = true
	n.ConsecutiveFailures = 0
	n.Successes++
	n.Total++
	n.LastChecked = t.clock.Now()
	if math.IsInf(n.Latency, 1) {
		n.Latency = sample
	} else {
		n.Latency = emaKeep*n.Latency + emaSample*sample
	}
	t.updateHealthGaugeLocked()
}

// ReportFailure records a failed attempt. The node turns unhealthy once the
// consecutive-failure count reaches the threshold.
func (t *Tracker) ReportFailure(rawURL string) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	if !ok {
		return
	}
	n.ConsecutiveFailures++
	n.Total++
	n.LastChecked = t.clock.Now()
	if n.ConsecutiveFailures >= t.maxFailures {
		n.Healthy = false
	}
	t.updateHealthGaugeLocked()
}

// Get returns a copy of one node's record.
func (t *Tracker) Get(rawURL string) (Node, bool) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return Node{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// All returns a snapshot of every node, sorted by URL.
func (t *Tracker) All() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// HealthySnapshot returns the nodes eligible for selection, sorted by URL.
// An unhealthy node whose last check is older than the recovery interval is
// included: it gets another chance without a dedicated probe. The stored
// record is untouched; only explicit reports change state.
func (t *Tracker) HealthySnapshot() []Node {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.Healthy || now.Sub(n.LastChecked) > t.recoveryInterval {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (t *Tracker) updateHealthGaugeLocked() {
	healthy := 0
	for _, n := range t.nodes {
		if n.Healthy {
			healthy++
		}
	}
	metricHealthyNodes.Set(float64(healthy))
}
