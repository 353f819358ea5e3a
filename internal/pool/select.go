package pool

import "sync"

// Strategy names a node-selection policy.
type Strategy string

const (
	StrategyFastest    Strategy = "fastest"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyPriority   Strategy = "priority"
)

// Selector picks nodes from a Tracker's healthy set. The round-robin
// counter persists across calls.
type Selector struct {
	tracker  *Tracker
	strategy Strategy

	mu      sync.Mutex
	rrCount uint64
}

func NewSelector(t *Tracker, s Strategy) *Selector {
	if s == "" {
		s = StrategyFastest
	}
	return &Selector{tracker: t, strategy: s}
}

// Pick chooses a healthy node not present in exclude (keys are normalized
// URLs). The second return is false when no eligible node exists; that is
// not an error, the caller decides how to react.
func (s *Selector) Pick(exclude map[string]bool) (Node, bool) {
	candidates := s.tracker.HealthySnapshot()
	if len(exclude) > 0 {
		kept := candidates[:0]
		for _, n := range candidates {
			if !exclude[n.URL] {
				kept = append(kept, n)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return Node{}, false
	}

	switch s.strategy {
	case StrategyRoundRobin:
		s.mu.Lock()
		i := int(s.rrCount % uint64(len(candidates)))
		s.rrCount++
		s.mu.Unlock()
		return candidates[i], true

	case StrategyPriority:
		best := candidates[0]
		for _, n := range candidates[1:] {
			if n.Priority < best.Priority {
				best = n
			}
		}
		return best, true

	default: // fastest, priority tie-break
		best := candidates[0]
		for _, n := range candidates[1:] {
			if n.Latency < best.Latency ||
				(n.Latency == best.Latency && n.Priority < best.Priority) {
				best = n
			}
		}
		return best, true
	}
}
