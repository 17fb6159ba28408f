package ai

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// CircuitClosed allows requests to pass through
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks all requests
	CircuitOpen
	// CircuitHalfOpen lets calls through to test whether the provider recovered
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int
	// ResetTimeout is the duration to wait before transitioning from open to half-open
	ResetTimeout time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreaker stops calling a provider after repeated failures.
type CircuitBreaker struct {
	name    string
	config  CircuitBreakerConfig
	nowFunc func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig, nowFunc func() time.Time) *CircuitBreaker {
	if config.MaxFailures < 1 {
		config.MaxFailures = DefaultCircuitBreakerConfig().MaxFailures
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &CircuitBreaker{
		name:    name,
		config:  config,
		nowFunc: nowFunc,
		state:   CircuitClosed,
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Call runs fn unless the circuit is open, recording the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	return cb.CallContext(context.Background(), fn)
}

// CallContext is Call for work done on behalf of ctx. A failure that comes
// with ctx already done was the caller giving up, so it is not held against
// the provider.
func (cb *CircuitBreaker) CallContext(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.nowFunc().Sub(cb.lastFailureTime) < cb.config.ResetTimeout {
			cb.mu.Unlock()
			return apperrors.ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		log.Info().Str("provider", cb.name).Msg("circuit half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// Must be called with lock held
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		log.Warn().Str("provider", cb.name).Msg("circuit re-opened after failed trial call")
	case CircuitClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = CircuitOpen
			log.Warn().Str("provider", cb.name).Int("failures", cb.failureCount).Msg("circuit opened")
		}
	}
}

// Must be called with lock held
func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == CircuitHalfOpen {
		log.Info().Str("provider", cb.name).Msg("circuit closed, provider recovered")
	}
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
}
