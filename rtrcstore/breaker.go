package rtrcstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peterbourgon/rtrc"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig parameterizes a [BreakerSaver].
type BreakerConfig struct {
	// Name of the circuit breaker, used in logs. Default "trace-store".
	Name string

	// MaxFailures is the number of consecutive failures which open the
	// breaker. Default 5.
	MaxFailures uint32

	// Timeout is how long the breaker stays open before allowing a trial
	// save. Default 30s.
	Timeout time.Duration

	// Logger receives state changes. Optional.
	Logger *zap.Logger
}

// BreakerSaver wraps a saver with a circuit breaker, so that a persistently
// failing trace directory isn't written to on every traced request. Saves
// rejected by an open breaker return an error wrapping [ErrPersistence].
type BreakerSaver struct {
	next rtrc.Saver
	cb   *gobreaker.CircuitBreaker
}

var _ rtrc.Saver = (*BreakerSaver)(nil)

// NewBreakerSaver wraps next with a circuit breaker.
func NewBreakerSaver(next rtrc.Saver, cfg BreakerConfig) *BreakerSaver {
	if cfg.Name == "" {
		cfg.Name = "trace-store"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerSaver{
		next: next,
		cb:   cb,
	}
}

// Save implements [rtrc.Saver].
func (b *BreakerSaver) Save(ctx context.Context, rec *rtrc.Record, format rtrc.Format) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Save(ctx, rec, format)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	default:
		return err
	}
}

// State returns the current state of the circuit breaker.
func (b *BreakerSaver) State() string {
	return b.cb.State().String()
}
