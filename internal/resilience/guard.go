package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/StreamRoom/internal/domain"
)

// Guard runs every call through a retrier wrapped around a breaker, so each
// attempt is counted by the breaker and an open circuit ends the retries.
type Guard struct {
	name    string
	breaker *Breaker
	retrier *Retrier
}

func NewGuard(name string, b *Breaker, r *Retrier) *Guard {
	if r == nil {
		r = NewRetrier(RetryPolicy{MaxAttempts: 1})
	}
	return &Guard{name: name, breaker: b, retrier: r}
}

func (g *Guard) Name() string      { return g.name }
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Do returns nil or an error that matches domain.ErrPersistenceUnavailable.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error) error {
	err := g.retrier.Do(ctx, func(ctx context.Context) error {
		if g.breaker == nil {
			return op(ctx)
		}
		return g.breaker.Execute(ctx, op)
	})
	if err == nil || errors.Is(err, domain.ErrPersistenceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrPersistenceUnavailable, g.name, err)
}
