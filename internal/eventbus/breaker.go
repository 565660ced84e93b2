package eventbus

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-event-type circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSnapshot is a point-in-time copy of a breaker.
type BreakerSnapshot struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"lastFailure,omitempty"`
}

type breaker struct {
	failures    int
	lastFailure time.Time
	state       BreakerState
	// trial is set while the single half-open delivery is running.
	trial bool
}

// breakerSet keeps one breaker per event type. The open to half-open
// transition is evaluated lazily in allow, never on a timer.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*breaker
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	return &breakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*breaker),
	}
}

func (s *breakerSet) get(eventType string) *breaker {
	b, ok := s.breakers[eventType]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[eventType] = b
	}
	return b
}

// allow reports whether a delivery for eventType may invoke handlers.
// A half-open breaker admits one trial delivery until its outcome is recorded.
func (s *breakerSet) allow(eventType string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(eventType)
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	if now.Sub(b.lastFailure) >= s.cooldown {
		b.state = BreakerHalfOpen
		b.trial = true
		return true
	}
	return false
}

// release ends a half-open trial that invoked no handler.
func (s *breakerSet) release(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[eventType]; ok {
		b.trial = false
	}
}

// failure records a handler failure and reports whether it opened the breaker.
func (s *breakerSet) failure(eventType string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(eventType)
	b.failures++
	b.lastFailure = now
	b.trial = false

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		return true
	case BreakerClosed:
		if b.failures >= s.threshold {
			b.state = BreakerOpen
			return true
		}
	}
	return false
}

// success closes the breaker and clears its failure count.
func (s *breakerSet) success(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(eventType)
	b.failures = 0
	b.state = BreakerClosed
	b.trial = false
}

func (s *breakerSet) snapshot(eventType string) BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[eventType]
	if !ok {
		return BreakerSnapshot{State: BreakerClosed}
	}
	return BreakerSnapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure}
}

func (s *breakerSet) all() map[string]BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(s.breakers))
	for t, b := range s.breakers {
		out[t] = BreakerSnapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure}
	}
	return out
}
