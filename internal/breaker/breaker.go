// Package breaker guards a resource with a three-state circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// State is the breaker state as exposed to the rest of the system.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config tunes when the breaker trips and how long it stays open.
type Config struct {
	// FailureThreshold is the failure ratio above which the breaker opens (0.5 = 50%).
	FailureThreshold float64
	// MinRequests is the number of calls in the window before the ratio is considered.
	MinRequests uint32
	// Window is the period after which closed-state counts are reset.
	Window time.Duration
	// CoolDown is how long the breaker stays open before allowing one trial call.
	CoolDown time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		MinRequests:      5,
		Window:           time.Minute,
		CoolDown:         30 * time.Second,
	}
}

// Validate checks that the configuration can build a working breaker.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 || c.FailureThreshold >= 1 {
		return &domain.ConfigError{Field: "breaker.failure_threshold", Reason: "must be between 0 and 1 exclusive"}
	}
	if c.MinRequests == 0 {
		return &domain.ConfigError{Field: "breaker.min_requests", Reason: "must be at least 1"}
	}
	if c.CoolDown <= 0 {
		return &domain.ConfigError{Field: "breaker.cool_down", Reason: "must be positive"}
	}
	return nil
}

// Listener is notified after every state change. Listeners run outside the
// breaker's lock, so a slow listener never delays other callers.
type Listener func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state changes.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// WithListener registers fn for state changes.
func WithListener(fn Listener) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// Breaker wraps one resource. In the half-open state exactly one trial call is
// admitted; concurrent callers are rejected with domain.ErrBreakerOpen.
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	log       *slog.Logger
	listeners []Listener

	// transitions recorded under gobreaker's lock, drained by flush
	pendingMu sync.Mutex
	pending   []transition
	notifyMu  sync.Mutex
}

type transition struct {
	from, to State
}

// New returns a closed breaker named name.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{name: name, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) > cfg.FailureThreshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.pendingMu.Lock()
			b.pending = append(b.pending, transition{from: fromGobreaker(from), to: fromGobreaker(to)})
			b.pendingMu.Unlock()
		},
	})
	telemetry.BreakerState.WithLabelValues(name).Set(StateClosed.gauge())
	return b
}

// Name returns the guarded resource name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. Reading it may move an expired Open breaker to HalfOpen.
func (b *Breaker) State() State {
	s := fromGobreaker(b.cb.State())
	b.flush()
	return s
}

// Counts returns the calls recorded in the current window.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

// Execute runs fn unless the breaker is open. A short-circuited call returns an
// error matching domain.ErrBreakerOpen and fn is not invoked.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	b.flush()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, domain.ErrBreakerOpen)
	}
	return err
}

// flush reports recorded transitions in order. Only one caller reports at a
// time; the others return at once and the reporting caller drains what they
// recorded.
func (b *Breaker) flush() {
	for {
		if !b.notifyMu.TryLock() {
			return
		}
		b.pendingMu.Lock()
		batch := b.pending
		b.pending = nil
		b.pendingMu.Unlock()
		for _, t := range batch {
			b.stateChanged(t.from, t.to)
		}
		b.notifyMu.Unlock()

		b.pendingMu.Lock()
		more := len(b.pending) > 0
		b.pendingMu.Unlock()
		if !more {
			return
		}
	}
}

func (b *Breaker) stateChanged(from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.log.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("breaker", b.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	telemetry.BreakerState.WithLabelValues(b.name).Set(to.gauge())
	telemetry.BreakerTransitionsTotal.WithLabelValues(b.name, string(to)).Inc()
	for _, fn := range b.listeners {
		fn(b.name, from, to)
	}
}

// isSuccessful decides what counts against the breaker. QA verdicts and
// permanent rejections mean the resource answered; cancellation is ours.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var qa *domain.QAFailedError
	var perm *domain.PermanentError
	switch {
	case errors.As(err, &qa), errors.As(err, &perm):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}
	return false
}
