package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HighNoonStudio/lib-guard/guard/log"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call without invoking
// the wrapped function, either because it is open or because the
// half-open probe budget is exhausted.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes when a breaker trips and how it recovers.
type Config struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of ratio.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests are observed.
	FailureRatio float64
	// MinRequests is the sample floor for ratio-based tripping.
	MinRequests uint32
}

// DefaultConfig returns settings tuned for storage backends: tolerant
// of transient blips, tripping only on sustained failure.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 10,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// Breaker wraps a single backend with gobreaker-based failure
// isolation. All state accounting is delegated to gobreaker; this type
// adds typed errors and structured state-change logging.
type Breaker struct {
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
	name    string
}

// New creates a named breaker. A nil logger is replaced by the no-op
// logger.
func New(name string, config Config, logger log.Logger) *Breaker {
	if logger == nil {
		logger = log.NewNop()
	}

	b := &Breaker{logger: logger, name: name}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= config.ConsecutiveFailures ||
				(counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state change",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	return b
}

// Execute runs fn under the breaker. When the breaker refuses the call,
// the returned error wraps ErrOpen and fn is never invoked.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil || b.breaker == nil {
		return fn()
	}

	_, err := b.breaker.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}

	return err
}

// State returns the current gobreaker state name (closed, half-open, open).
func (b *Breaker) State() string {
	if b == nil || b.breaker == nil {
		return "closed"
	}

	return b.breaker.State().String()
}
