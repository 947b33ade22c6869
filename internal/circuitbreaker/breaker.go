// Package circuitbreaker stops calls to a dependency that keeps failing.
// Each key trips independently: after threshold consecutive failures its
// circuit opens, and once the cool-down passes a single probe is let
// through to decide whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per key (0 closed, 1 open, 2 half-open).",
	}, []string{"key"})

	tripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "trips_total",
		Help:      "Times a circuit opened, per key.",
	}, []string{"key"})
)

type circuit struct {
	key      string
	state    State
	failures int
	openedAt time.Time
}

func (c *circuit) set(to State, at time.Time) {
	if c.state == to {
		return
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = at
		tripsTotal.WithLabelValues(c.key).Inc()
	}
	stateGauge.WithLabelValues(c.key).Set(float64(to))
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New returns a Breaker that opens after threshold consecutive failures and
// probes again after coolDown. Non-positive values select 5 and 30s.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// Do runs fn when key's circuit admits it. Only errors for which countable
// reports true (all errors when countable is nil) count as failures; a
// transfer the node rejected says nothing about the endpoint's health.
func (b *Breaker) Do(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call to key may proceed. An open circuit past its
// cool-down moves to half-open and admits exactly one caller.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		c.set(StateHalfOpen, b.now())
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		c.failures = 0
		c.set(StateClosed, b.now())
	}
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{key: key}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.set(StateOpen, b.now())
	}
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}
