package pool

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DragonSecurity/ferry/pkg/util"
)

// probeConcurrency bounds in-flight probes so large pools don't swamp the
// local network stack.
const probeConcurrency = 10

// ProbeAll checks every tracked node concurrently and feeds the results
// back into the tracker. A probe is a GET of the node's unversioned index;
// any 2xx within the client timeout counts as alive.
func ProbeAll(ctx context.Context, t *Tracker, hc *http.Client, log *util.Logger) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, n := range t.All() {
		node := n
		g.Go(func() error {
			latency, err := probeNode(ctx, hc, node.URL)
			if err != nil {
				t.ReportFailure(node.URL)
				log.Debugf("probe %s: %v", node.URL, err)
				return nil
			}
			t.ReportSuccess(node.URL, latency)
			return nil
		})
	}
	_ = g.Wait()
}

func probeNode(ctx context.Context, hc *http.Client, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, &probeStatusError{status: resp.Status}
	}
	return time.Since(start), nil
}

type probeStatusError struct{ status string }

func (e *probeStatusError) Error() string { return "unexpected probe status " + e.status }
