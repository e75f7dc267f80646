package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cbriice/agentswarm/internal/swarmerr"
)

// Integration names one external dependency a circuit breaker protects.
type Integration string

const (
	IntegrationDatabase       Integration = "database"
	IntegrationMultiplexer    Integration = "multiplexer"
	IntegrationVersionControl Integration = "version_control"
)

// BreakerSet holds one gobreaker.CircuitBreaker per integration, per
// spec.md §5's "shared circuit breaker protects each external
// integration". Breakers are created lazily and cached.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[Integration]*gobreaker.CircuitBreaker
}

// NewBreakerSet builds a BreakerSet; every integration uses the same cfg.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[Integration]*gobreaker.CircuitBreaker),
	}
}

func (s *BreakerSet) breakerFor(integration Integration) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[integration]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(integration),
		MaxRequests: s.cfg.SuccessThreshold,
		Interval:    0, // never reset closed-state counts on a timer
		Timeout:     s.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.FailureThreshold
		},
	})
	s.breakers[integration] = cb
	return cb
}

// Execute runs op through the named integration's breaker. A trip or an
// open breaker is translated into a CIRCUIT_OPEN SwarmError; any other
// failure is returned unwrapped so callers can inspect the original code.
func (s *BreakerSet) Execute(integration Integration, op func() (any, error)) (any, error) {
	cb := s.breakerFor(integration)
	result, err := cb.Execute(op)
	if err == nil {
		return result, nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, swarmerr.Wrap(swarmerr.CircuitOpen, string(integration),
			fmt.Sprintf("circuit for %s is open", integration), err)
	}
	return nil, err
}

// State reports the current state of the named integration's breaker,
// creating it (closed) if it does not yet exist.
func (s *BreakerSet) State(integration Integration) gobreaker.State {
	return s.breakerFor(integration).State()
}

// Ready blocks until the named breaker leaves the open state or the
// deadline passes, used by the CIRCUIT_OPEN recovery strategy ("wait for
// the breaker to half-open, then retry once").
func (s *BreakerSet) Ready(integration Integration, deadline time.Duration) bool {
	cb := s.breakerFor(integration)
	if cb.State() != gobreaker.StateOpen {
		return true
	}
	poll := 50 * time.Millisecond
	elapsed := time.Duration(0)
	for elapsed < deadline {
		time.Sleep(poll)
		elapsed += poll
		if cb.State() != gobreaker.StateOpen {
			return true
		}
	}
	return cb.State() != gobreaker.StateOpen
}
