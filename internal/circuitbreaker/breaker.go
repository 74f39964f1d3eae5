// Package circuitbreaker sheds traffic to flapping storage nodes: after
// enough consecutive failures a node's breaker opens and callers fail
// fast instead of re-timing-out on every chunk RPC. After a cool-down
// the breaker lets a few probe requests through and closes again once
// they succeed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without touching the node while its breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// State of one breaker.
type State int

const (
	// StateClosed allows all requests.
	StateClosed State = iota
	// StateOpen rejects all requests until the cool-down elapses.
	StateOpen
	// StateHalfOpen allows a bounded number of probe requests.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values fall back to defaults.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int
	// OpenTimeout is the cool-down before an open breaker goes half-open.
	OpenTimeout time.Duration
	// HalfOpenMaxProbes bounds in-flight probes while half-open; the same
	// number of consecutive probe successes closes the breaker.
	HalfOpenMaxProbes int
}

// DefaultConfig opens after 5 consecutive failures, cools down for 30s,
// and closes again after 3 successful probes.
func DefaultConfig() Config {
	return Config{
		MaxFailures:       5,
		OpenTimeout:       30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	return c
}

// Breaker guards one storage node.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Execute runs fn under the breaker: rejected with ErrOpen while open,
// otherwise fn's result is recorded and returned.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err)
	return err
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) > b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.probes = 0
			b.successes = 0
			b.probes++
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxProbes {
			return ErrOpen
		}
		b.probes++
		return nil
	default:
		return ErrOpen
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.MaxFailures {
				b.state = StateOpen
			}
		case StateHalfOpen:
			// One failed probe reopens the circuit.
			b.state = StateOpen
			b.probes = 0
		}
		return
	}

	b.successes++
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.cfg.HalfOpenMaxProbes {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// Registry hands out one breaker per storage node address.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry; breakers are created lazily on
// first use of an address.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for addr, creating it closed if needed.
func (r *Registry) Get(addr string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[addr]; ok {
		return b
	}
	b := New(r.cfg)
	r.breakers[addr] = b
	return b
}
