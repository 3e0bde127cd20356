// Package resilience provides a circuit breaker for calls to remote
// services.
//
// A [Breaker] moves through three states: closed (calls pass), open (calls
// fail fast with [ErrOpen]) and half-open (a limited number of probe calls
// decide whether to close again). Which errors count as failures is
// configurable, so a caller can ignore errors that say nothing about the
// remote side's health.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a [Breaker]. Zero values select the defaults.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close.
	// Default 1.
	Probes int

	// IsFailure decides whether an error counts against the breaker.
	// Default: every non-nil error.
	IsFailure func(error) bool

	// Now is the clock. Default time.Now.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probes      int
	isFailure   func(error) bool
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// New returns a closed breaker.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probes:      cfg.Probes,
		isFailure:   cfg.IsFailure,
		now:         cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.probes <= 0 {
		b.probes = 1
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open. fn's error is returned as is.
// A nil *Breaker runs fn unconditionally.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// State reports the current state. An open breaker whose cooldown elapsed
// reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.successes = 0, 0
		slog.Info("circuit half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.probes {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.isFailure(err)
	if !probe {
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.state == StateClosed && b.failures >= b.maxFailures {
			b.open()
			slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
		}
		return
	}

	// A probe admitted before a concurrent probe reopened the breaker has
	// nothing left to decide.
	if b.state != StateHalfOpen {
		return
	}
	b.inFlight--
	if failed {
		b.open()
		slog.Warn("circuit reopened after failed probe", "name", b.name, "err", err)
		return
	}
	b.successes++
	if b.successes >= b.probes {
		b.close()
		slog.Info("circuit closed", "name", b.name)
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.failures, b.inFlight, b.successes = 0, 0, 0
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cooldown
}
