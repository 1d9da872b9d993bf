// Package resilience guards calls into external collaborators with a circuit
// breaker and bounded exponential-backoff retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/StreamRoom/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type BreakerOption func(*Breaker)

func WithClock(c clock.Clock) BreakerOption {
	return func(b *Breaker) { b.clock = c }
}

// WithStateHook is called outside the breaker lock on every transition.
func WithStateHook(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker fails fast once a collaborator produced Threshold consecutive
// failures. After Cooldown a single trial call decides whether to close again.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  func(name string, from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trial       bool
	// generation changes on every transition; results admitted under an
	// older generation are discarded.
	generation uint64
}

func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: max(cfg.Threshold, 1),
		cooldown:  cfg.Cooldown,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs op unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	gen, err := b.allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	b.record(gen, err)
	return err
}

func (b *Breaker) unavailable() error {
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceUnavailable, b.name, ErrCircuitOpen)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state != to {
		b.state = to
		b.generation++
	}
}

func (b *Breaker) allow() (uint64, error) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.clock.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return 0, b.unavailable()
		}
		b.transition(HalfOpen)
		b.trial = true
	case HalfOpen:
		if b.trial {
			b.mu.Unlock()
			return 0, b.unavailable()
		}
		b.trial = true
	}
	to, gen := b.state, b.generation
	b.mu.Unlock()
	b.notify(from, to)
	return gen, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.trial = false
		b.transition(Closed)
	case errors.Is(err, context.Canceled):
		// The caller went away; says nothing about the collaborator.
		b.trial = false
	default:
		b.failures++
		b.lastFailure = b.clock.Now()
		if b.state == HalfOpen || b.failures >= b.threshold {
			b.transition(Open)
		}
		b.trial = false
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to && to == Open {
		log.Warn().Str("module", "resilience.breaker").Str("name", b.name).Int("failures", failures).Int("threshold", b.threshold).Msg("circuit breaker opened")
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	if to == Closed {
		log.Info().Str("module", "resilience.breaker").Str("name", b.name).Msg("circuit breaker closed")
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
