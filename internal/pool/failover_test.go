package pool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

// scriptedDoer fails or succeeds per node URL and records the call order.
type scriptedDoer struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	block bool
}

func (d *scriptedDoer) Do(ctx context.Context, node string, req *bare.RelayRequest) (*bare.RelayResponse, error) {
	d.mu.Lock()
	d.calls = append(d.calls, node)
	shouldFail := d.fail[node]
	d.mu.Unlock()

	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if shouldFail {
		return nil, errors.New("connection refused")
	}
	return &bare.RelayResponse{
		Status:     200,
		StatusText: "OK",
		Headers:    map[string]string{"content-type": "text/plain"},
		Body:       io.NopCloser(strings.NewReader("hello")),
	}, nil
}

func newTestOrchestrator(t *testing.T, d Doer, urls []string, opts ...OrchestratorOption) (*Orchestrator, *Tracker) {
	t.Helper()
	tr := NewTracker()
	for i, u := range urls {
		require.NoError(t, tr.Add(u, i))
	}
	sel := NewSelector(tr, StrategyPriority)
	return NewOrchestrator(tr, sel, d, util.NewLogger("test"), opts...), tr
}

func TestFailoverSucceedsOnThirdNode(t *testing.T) {
	d := &scriptedDoer{fail: map[string]bool{
		"https://n1.example.com": true,
		"https://n2.example.com": true,
	}}
	orch, tr := newTestOrchestrator(t, d,
		[]string{"https://n1.example.com", "https://n2.example.com", "https://n3.example.com"})

	resp, err := orch.Do(context.Background(), &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []string{"https://n1.example.com", "https://n2.example.com", "https://n3.example.com"}, d.calls)

	n1, _ := tr.Get("https://n1.example.com")
	n2, _ := tr.Get("https://n2.example.com")
	n3, _ := tr.Get("https://n3.example.com")
	assert.Equal(t, 1, n1.ConsecutiveFailures)
	assert.Equal(t, 1, n2.ConsecutiveFailures)
	assert.Equal(t, 1, n3.Successes)
}

func TestFailoverExhaustsAllNodes(t *testing.T) {
	d := &scriptedDoer{fail: map[string]bool{
		"https://n1.example.com": true,
		"https://n2.example.com": true,
	}}
	orch, _ := newTestOrchestrator(t, d,
		[]string{"https://n1.example.com", "https://n2.example.com"},
		WithMaxAttempts(2))

	_, err := orch.Do(context.Background(), &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	var all *AllNodesFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 2, all.Attempts)
	assert.ErrorContains(t, all.Last, "connection refused")
}

func TestFailoverNeverRetriesTheSameNode(t *testing.T) {
	d := &scriptedDoer{fail: map[string]bool{"https://n1.example.com": true}}
	orch, _ := newTestOrchestrator(t, d, []string{"https://n1.example.com"}, WithMaxAttempts(3))

	_, err := orch.Do(context.Background(), &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	var all *AllNodesFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 1, all.Attempts)
	assert.Len(t, d.calls, 1)
}

func TestCancellationHaltsRetries(t *testing.T) {
	d := &scriptedDoer{block: true}
	orch, _ := newTestOrchestrator(t, d,
		[]string{"https://n1.example.com", "https://n2.example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := orch.Do(ctx, &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, d.calls, 1, "no further attempts after cancellation")
}

func TestBodyStreamsAfterDoReturns(t *testing.T) {
	payload := bytes.Repeat([]byte("ferry body "), 100_000) // ~1 MiB
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(bare.HeaderStatus, "200")
		w.Header().Set(bare.HeaderStatusText, "OK")
		w.Header().Set(bare.HeaderHeaders, "{}")
		fl := w.(http.Flusher)
		for off := 0; off < len(payload); off += 4096 {
			end := off + 4096
			if end > len(payload) {
				end = len(payload)
			}
			_, _ = w.Write(payload[off:end])
			fl.Flush()
		}
	}))
	defer node.Close()

	tr := NewTracker()
	require.NoError(t, tr.Add(node.URL, 0))
	sel := NewSelector(tr, StrategyPriority)
	orch := NewOrchestrator(tr, sel, bare.NewClient(nil), util.NewLogger("test"))

	resp, err := orch.Do(context.Background(), &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "body must remain readable after Do returns")
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, payload, body)
}

func TestAttemptTimeoutMovesToNextNode(t *testing.T) {
	d := &scriptedDoer{block: true}
	orch, _ := newTestOrchestrator(t, d,
		[]string{"https://n1.example.com", "https://n2.example.com"},
		WithMaxAttempts(2), WithAttemptTimeout(15*time.Millisecond))

	_, err := orch.Do(context.Background(), &bare.RelayRequest{TargetURL: "https://target.example.com/"})
	var all *AllNodesFailedError
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 2, all.Attempts, "timeout ends the attempt, not the operation")
}
