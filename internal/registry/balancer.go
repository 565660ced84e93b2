package registry

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/narwhalmedia/switchboard/internal/domain/service"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// ErrNoCandidates is returned when a selection is asked to choose from nothing.
var ErrNoCandidates = errors.New("no candidate instances")

// Strategy names a load balancing strategy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Random           Strategy = "random"
	Weighted         Strategy = "weighted"
)

// Balancer holds the process-local selection state: a round-robin cursor per
// service name plus connection counts and weights per instance.
type Balancer struct {
	mu          sync.Mutex
	cursors     map[string]uint64
	connections map[string]int64
	weights     map[string]float64
	intn        func(n int) int
	float       func() float64
}

// NewBalancer creates a balancer using the global random source.
func NewBalancer() *Balancer {
	return &Balancer{
		cursors:     make(map[string]uint64),
		connections: make(map[string]int64),
		weights:     make(map[string]float64),
		intn:        rand.Intn,
		float:       rand.Float64,
	}
}

// Select picks one candidate with strategy. Unknown strategies fall back to
// round robin.
func (b *Balancer) Select(strategy Strategy, name string, candidates []*service.Info) (*service.Info, error) {
	switch strategy {
	case LeastConnections:
		return b.SelectLeastConnections(candidates)
	case Random:
		return b.SelectRandom(candidates)
	case Weighted:
		return b.SelectWeighted(candidates)
	default:
		return b.SelectRoundRobin(name, candidates)
	}
}

// SelectRoundRobin cycles through candidates with a cursor kept per name.
func (b *Balancer) SelectRoundRobin(name string, candidates []*service.Info) (*service.Info, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor := b.cursors[name]
	b.cursors[name] = cursor + 1
	return candidates[cursor%uint64(len(candidates))], nil
}

// SelectLeastConnections picks the candidate with the fewest tracked
// connections, the first one on ties.
func (b *Balancer) SelectLeastConnections(candidates []*service.Info) (*service.Info, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	best := candidates[0]
	for _, c := range candidates[1:] {
		if b.connections[c.ID] < b.connections[best.ID] {
			best = c
		}
	}
	return best, nil
}

// SelectRandom picks uniformly.
func (b *Balancer) SelectRandom(candidates []*service.Info) (*service.Info, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return candidates[b.intn(len(candidates))], nil
}

// SelectWeighted picks with probability proportional to instance weight.
// Instances without a weight count as 1.
func (b *Balancer) SelectWeighted(candidates []*service.Info) (*service.Info, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var total float64
	for _, c := range candidates {
		total += b.weightLocked(c.ID)
	}
	threshold := b.float() * total
	var cumulative float64
	for _, c := range candidates {
		cumulative += b.weightLocked(c.ID)
		if threshold < cumulative {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func (b *Balancer) weightLocked(id string) float64 {
	if w, ok := b.weights[id]; ok {
		return w
	}
	return 1
}

// IncrementConnectionCount records a connection opened to id.
func (b *Balancer) IncrementConnectionCount(id string) {
	b.mu.Lock()
	b.connections[id]++
	b.mu.Unlock()
}

// DecrementConnectionCount records a connection closed. Counts never go
// below zero.
func (b *Balancer) DecrementConnectionCount(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connections[id] <= 1 {
		delete(b.connections, id)
		return
	}
	b.connections[id]--
}

// ConnectionCount returns the tracked connection count of id.
func (b *Balancer) ConnectionCount(id string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections[id]
}

// SetWeight sets the weight of id. Weights must be positive.
func (b *Balancer) SetWeight(id string, weight float64) error {
	if weight <= 0 {
		return apperrors.Validationf("weight must be positive, got %v", weight)
	}
	b.mu.Lock()
	b.weights[id] = weight
	b.mu.Unlock()
	return nil
}

func (b *Balancer) forget(id string) {
	b.mu.Lock()
	delete(b.connections, id)
	delete(b.weights, id)
	b.mu.Unlock()
}
