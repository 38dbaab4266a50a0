// Package resilience provides the stage scheduler's failure-handling
// primitives (spec §4.H): a per-executor circuit breaker on top of
// github.com/sony/gobreaker/v2, and exponential-backoff retry on top of
// github.com/cenkalti/backoff/v4.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's three-state machine with the names spec §4.H
// uses: closed, open, half-open.
type State int

const (
	StateClosed State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen    State = State(gobreaker.StateOpen)
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

// ErrCircuitOpen is returned (unwrapped via errors.Is) when an executor's
// breaker is open and the call fails fast without spawning anything.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// ErrTooManyRequests surfaces gobreaker's half-open request cap.
var ErrTooManyRequests = errors.New("resilience: too many requests in half-open state")

// Config configures one executor's breaker. Defaults match spec §4.H:
// 5 consecutive failures trips it, 60s recovery window, single half-open probe.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMax      int
	Logger           *logrus.Logger

	// OnTrip, if set, fires whenever a breaker transitions into the open
	// state — wired to metrics.SentryMetrics.RecordBreakerTrip by callers
	// that want the trip reported alongside the log line.
	OnTrip func(executorName string)
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, HalfOpenMax: 1}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker for a single logical
// executor name.
type CircuitBreaker struct {
	name string
	gb   *gobreaker.CircuitBreaker[any]
}

// New constructs a CircuitBreaker named for the executor it guards — the
// name appears in state-change log lines.
func New(name string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}

	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.Logger != nil || cfg.OnTrip != nil {
		logger := cfg.Logger
		onTrip := cfg.OnTrip
		settings.OnStateChange = func(breakerName string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"executor":   breakerName,
					"from_state": State(from).String(),
					"to_state":   State(to).String(),
				}).Warn("circuit breaker state changed")
			}
			if onTrip != nil && State(to) == StateOpen {
				onTrip(breakerName)
			}
		}
	}

	return &CircuitBreaker{name: name, gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn with breaker protection. When the breaker is open the
// call fails fast without invoking fn (i.e. without spawning a subprocess).
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	return mapGobreakerError(err)
}

func mapGobreakerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}

// Registry hands out one CircuitBreaker per executor name, lazily, so
// callers never need to pre-declare the stage set.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewRegistry creates a breaker registry sharing one Config across every
// executor name it serves.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: map[string]*CircuitBreaker{}, cfg: cfg}
}

// For returns (creating if necessary) the breaker for a given executor name.
func (r *Registry) For(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := New(name, r.cfg)
	r.breakers[name] = cb
	return cb
}

// RetryConfig configures the executor harness's transient-failure retry
// (spec §4.F: base 1s, factor 2, jitter +-20%, cap = timeout/2).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	// OnRetry, if set, fires before each backoff sleep (not on the final,
	// non-retried failure) — wired to metrics.SentryMetrics.RecordRetry by
	// callers that want retry attempts reported.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the spec's default backoff shape.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0, Jitter: 0.2}
}

// Retry executes fn with exponential backoff, stopping early on ctx
// cancellation.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	if cfg.OnRetry == nil {
		return backoff.Retry(fn, withCtx)
	}

	attempt := 0
	return backoff.RetryNotify(fn, withCtx, func(err error, _ time.Duration) {
		attempt++
		cfg.OnRetry(attempt, err)
	})
}
