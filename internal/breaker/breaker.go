// Package breaker isolates failing downstream dependencies. Each logical
// dependency key owns one Breaker; breakers never share counters.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "Aegis-Treasury/internal/errors"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/pkg/logger"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a breaker.
type Config struct {
	// FailureThreshold consecutive failures inside Window open the breaker.
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	Window           time.Duration `yaml:"window" env:"WINDOW"`
	Cooldown         time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	BackoffFactor    float64       `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	MaxCooldown      time.Duration `yaml:"max_cooldown" env:"MAX_COOLDOWN"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		BackoffFactor:    2,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// CircuitOpenError is returned without calling the dependency while the
// breaker is open or its half-open trial is already in flight.
type CircuitOpenError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Key, e.RetryAfter)
}

// Code lets xerrors classify the error as CIRCUIT_OPEN.
func (e *CircuitOpenError) Code() xerrors.Code { return xerrors.CodeCircuitOpen }

// IsOpen reports whether err is (or wraps) a CircuitOpenError.
func IsOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Key           string    `json:"key"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	OpenedUntil   time.Time `json:"openedUntil,omitempty"`
}

// Breaker guards calls to one dependency.
type Breaker struct {
	key string
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	openedUntil   time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// New creates a closed breaker for key.
func New(key string, cfg Config, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	b := &Breaker{
		key:      key,
		cfg:      cfg,
		now:      now,
		log:      logger.Named("breaker").With(slog.String("key", key)),
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
	metrics.SetBreakerState(key, string(StateClosed))
	return b
}

// Key returns the dependency key.
func (b *Breaker) Key() string { return b.key }

// Execute runs fn unless the breaker fails fast. A failure caused by the
// caller's own context ending is not held against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			b.onFailure(trial)
		}
	}()
	err = fn(ctx)
	completed = true

	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.onNeutral(trial)
	default:
		b.onFailure(trial)
	}
	return err
}

// Do is Execute for calls that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.openedUntil) {
			return false, &CircuitOpenError{Key: b.key, RetryAfter: b.openedUntil.Sub(now)}
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, &CircuitOpenError{Key: b.key, RetryAfter: b.cooldown}
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.cooldown = b.cfg.Cooldown
	b.openedUntil = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

func (b *Breaker) onNeutral(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) onFailure(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if trial || b.state == StateHalfOpen {
		b.trialInFlight = false
		b.lastFailureAt = now
		b.cooldown = nextCooldown(b.cooldown, b.cfg)
		b.open(now)
		return
	}
	if b.state == StateOpen {
		return
	}
	if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailureAt = now
	if b.failures >= b.cfg.FailureThreshold {
		b.cooldown = b.cfg.Cooldown
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedUntil = now.Add(b.cooldown)
	b.transition(StateOpen)
	b.log.Warn("circuit opened",
		slog.Int("failures", b.failures),
		slog.Duration("cooldown", b.cooldown))
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.log.Info("circuit state change", slog.String("from", string(b.state)), slog.String("to", string(to)))
	b.state = to
	metrics.SetBreakerState(b.key, string(to))
}

func nextCooldown(current time.Duration, cfg Config) time.Duration {
	next := time.Duration(float64(current) * cfg.BackoffFactor)
	if next > cfg.MaxCooldown {
		return cfg.MaxCooldown
	}
	return next
}

// Snapshot returns the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:           b.key,
		State:         b.state,
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailureAt,
		OpenedUntil:   b.openedUntil,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.onSuccess()
}
