package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

const (
	// DefaultMaxAttempts bounds how many distinct nodes one logical fetch
	// may try.
	DefaultMaxAttempts = 3
	// DefaultAttemptTimeout bounds a single node attempt.
	DefaultAttemptTimeout = 30 * time.Second
)

var metricAttempts = prom.NewCounterVec(prom.CounterOpts{
	Name: "ferry_failover_attempts_total",
	Help: "Relay attempts by outcome.",
}, []string{"outcome"})

func init() {
	prom.MustRegister(metricAttempts)
}

// AllNodesFailedError is returned once every eligible node has been tried.
type AllNodesFailedError struct {
	Attempts int
	Last     error
}

func (e *AllNodesFailedError) Error() string {
	return fmt.Sprintf("all nodes failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AllNodesFailedError) Unwrap() error { return e.Last }

// Doer executes one relay fetch against one node. *bare.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, node string, req *bare.RelayRequest) (*bare.RelayResponse, error)
}

// Orchestrator drives one logical fetch across the pool: pick a node, try
// it, report the result, move on. Attempts are strictly sequential.
type Orchestrator struct {
	tracker        *Tracker
	selector       *Selector
	doer           Doer
	maxAttempts    int
	attemptTimeout time.Duration
	log            *util.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithMaxAttempts(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

func WithAttemptTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.attemptTimeout = d }
}

func NewOrchestrator(t *Tracker, s *Selector, d Doer, log *util.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		tracker:        t,
		selector:       s,
		doer:           d,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		log:            log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Do performs req against up to maxAttempts distinct nodes. A successful
// attempt returns immediately; its body stays readable until the caller
// closes it. Caller cancellation aborts the in-flight
// attempt and halts further retries; a per-attempt timeout only ends that
// attempt. A relay-side 4xx envelope is the caller's fault, not the node's:
// it is returned as-is without a failure report or another attempt.
func (o *Orchestrator) Do(ctx context.Context, req *bare.RelayRequest) (*bare.RelayResponse, error) {
	visited := make(map[string]bool, o.maxAttempts)
	var lastErr error
	attempts := 0

	for attempts < o.maxAttempts {
		node, ok := o.selector.Pick(visited)
		if !ok {
			break
		}
		visited[node.URL] = true
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
		start := time.Now()
		resp, err := o.doer.Do(attemptCtx, node.URL, req)
		elapsed := time.Since(start)

		if err == nil {
			o.tracker.ReportSuccess(node.URL, elapsed)
			metricAttempts.WithLabelValues("success").Inc()
			// The body streams under the attempt context; cancel on Close,
			// not here, or the caller reads a dead stream.
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()

		// caller cancellation is not the node's fault and halts retries
		if ctx.Err() != nil {
			metricAttempts.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}

		var reqErr *bare.RequestError
		if errors.As(err, &reqErr) && reqErr.Status() >= 400 && reqErr.Status() < 500 {
			metricAttempts.WithLabelValues("rejected").Inc()
			return nil, err
		}

		o.tracker.ReportFailure(node.URL)
		metricAttempts.WithLabelValues("failure").Inc()
		lastErr = err
		o.log.Warnf("attempt %d via %s failed: %v", attempts, node.URL, err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &AllNodesFailedError{Attempts: attempts, Last: lastErr}
}

// cancelOnClose releases a successful attempt's context once the caller is
// done with the body. The attempt timeout keeps bounding the transfer.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
