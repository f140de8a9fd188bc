// Package breaker implements the per-dependency circuit breaker that
// shields the enrollment core from cascading failure in the database,
// the KV store, and external notification endpoints.
//
// # State machine
//
//	Closed ──(consecutive_failures ≥ FailureThreshold)──► Open
//	  ▲                                                       │
//	  │                                                (RecoveryTimeout elapsed)
//	  │                                                       ▼
//	  └──(consecutive_successes ≥ SuccessThreshold)──── HalfOpen ──(any failure)──► Open
//
// Unlike a sliding-window error-rate breaker, this one trips on N
// *consecutive* failures and recovers after N *consecutive* successful
// probes — the model the enrollment workflow was built against, so a
// single flaky call doesn't trip a healthy dependency, but a genuine
// outage opens the gate quickly.
//
// # Concurrency
//
// All public methods are safe for concurrent use; each Breaker guards its
// state behind its own mutex. The Registry uses a separate read-write
// mutex so that the common read path (GetOrCreate for an existing
// breaker) does not contend with the rare write path (first reference).
package breaker

import (
	"context"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // calls are rejected without invoking the op
	StateHalfOpen              // every call is admitted as a probe; concurrent probes are not limited
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping to open
	RecoveryTimeout  time.Duration // time open before a half-open probe is admitted
	SuccessThreshold int           // consecutive half-open successes required to close
	CallTimeout      time.Duration // per-call deadline; a timeout counts as a failure
}

// DefaultDatabaseConfig, DefaultKVConfig and DefaultExternalConfig are the
// three pre-configured breaker profiles the enrollment core ships with.
func DefaultDatabaseConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, CallTimeout: 15 * time.Second}
}

func DefaultKVConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 3, CallTimeout: 5 * time.Second}
}

func DefaultExternalConfig() Config {
	return Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 2, CallTimeout: 30 * time.Second}
}

// Stats reports breaker counters for observability.
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalFailures        int64
	TotalSuccesses       int64
	LastFailureAt        time.Time
	LastSuccessAt        time.Time
}

// ErrOpen is returned by Call when the breaker rejects a call outright.
type ErrOpen struct{ Name string }

func (e *ErrOpen) Error() string { return "breaker: " + e.Name + " is open" }

// Breaker is a per-dependency circuit breaker.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int64
	totalSuccesses       int64
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	openedAt             time.Time
}

// New creates a new circuit breaker with the given configuration.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Breaker{name: name, cfg: cfg}
}

// Name returns the breaker's identifying name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the Open→HalfOpen transition
// lazily if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
	}
	return b.state
}

// Allow reports whether a call should be admitted right now, without
// executing it. Call is the preferred entry point; Allow exists for
// callers that need to gate work that isn't expressible as a single
// function value.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.stateLocked() {
	case StateOpen:
		return false
	default:
		return true
	}
}

// Call guards op with the breaker's state machine and call timeout. If
// the breaker is open, op is never invoked and ErrOpen is returned.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if !b.Allow() {
		return &ErrOpen{Name: b.name}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := op(callCtx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalSuccesses++
	b.lastSuccessAt = now
	b.consecutiveFailures = 0

	switch b.state {
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.consecutiveSuccesses = 0
		}
	default:
		b.consecutiveSuccesses++
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalFailures++
	b.lastFailureAt = now
	b.consecutiveSuccesses = 0

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.consecutiveFailures = 1
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:                b.stateLocked(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		LastFailureAt:        b.lastFailureAt,
		LastSuccessAt:        b.lastSuccessAt,
	}
}

// Reset clears all counters and forces the breaker closed. Intended for
// operator use via POST /circuit-breakers/{name}/reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
}

// Registry holds named circuit breakers, created on first reference and
// shared for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a new breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for name, creating it with cfg on first
// reference. Subsequent calls ignore cfg and return the existing breaker.
func (r *Registry) GetOrCreate(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg)
	r.breakers[name] = b
	return b
}

// Reset resets the named breaker if it exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot returns the current state of every registered breaker, for
// GET /circuit-breakers.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
