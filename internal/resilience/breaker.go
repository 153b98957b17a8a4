// Package resilience guards the live service connection against repeated
// connect failures.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [GuardDialer] routes every [s2s.Dialer.Dial]
// through one. A breaker never retries; once open it rejects dials with
// [ErrCircuitOpen] until its cooldown elapses, after which a single trial dial
// decides whether it closes again.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livebridge/pkg/provider/s2s"
)

// ErrCircuitOpen is returned while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

const (
	defaultMaxFailures = 5
	defaultCooldown    = 30 * time.Second
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a single trial call through.
	StateHalfOpen
)

// String returns the lower-case state name.
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

// Config holds the tuning knobs of a [Breaker]. Zero fields take defaults.
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Breaker counts consecutive failures of a guarded call.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
	}
}

// Execute runs fn unless the breaker is open. A context cancellation of the
// caller is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}
	switch {
	case err == nil:
		if b.state != StateClosed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
	case ctx.Err() != nil:
		// The caller gave up; the trial slot is released without a verdict.
	case trial:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	}
	return err
}

// admit reports whether a call may proceed and whether it is the half-open
// trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
	}
	switch b.state {
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

// trip opens the breaker. Callers hold b.mu.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// ── Dialer ────────────────────────────────────────────────────────────────────

type guardedDialer struct {
	next s2s.Dialer
	b    *Breaker
}

// GuardDialer returns a dialer whose Dial calls pass through b. Rejected
// dials return an error wrapping [ErrCircuitOpen] without touching the
// network.
func GuardDialer(d s2s.Dialer, b *Breaker) s2s.Dialer {
	return &guardedDialer{next: d, b: b}
}

func (g *guardedDialer) Dial(ctx context.Context) (s2s.Conn, error) {
	var conn s2s.Conn
	err := g.b.Execute(ctx, func(ctx context.Context) error {
		var err error
		conn, err = g.next.Dial(ctx)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: too many failed connects, retry after cooldown", err)
	}
	return conn, err
}
