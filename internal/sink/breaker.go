package sink

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker runs fn unless too many consecutive calls have failed.
type CircuitBreaker interface {
	Execute(fn func() error) error
}

type circuitBreakerWrapper struct {
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker opens after maxFailures consecutive failures and lets a
// trial request through after timeout.
func NewCircuitBreaker(name string, timeout time.Duration, maxFailures uint32) CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &circuitBreakerWrapper{
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *circuitBreakerWrapper) Execute(fn func() error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("breaker (%s): %w", g.breaker.Name(), err)
	}
	return nil
}
