package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/tg-chat-gateway/internal/errors"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultCallTimeout = 60 * time.Second

type link struct {
	provider Provider
	breaker  *CircuitBreaker
}

// Chain tries providers in order, each behind its own circuit breaker, and
// gives up after the last one.
type Chain struct {
	links   []link
	timeout time.Duration
	window  *HistoryWindow
	breaker CircuitBreakerConfig
	nowFunc func() time.Time
}

type ChainOption func(*Chain)

// WithCallTimeout bounds each provider call.
func WithCallTimeout(timeout time.Duration) ChainOption {
	return func(c *Chain) {
		c.timeout = timeout
	}
}

func WithHistoryWindow(window *HistoryWindow) ChainOption {
	return func(c *Chain) {
		c.window = window
	}
}

func WithCircuitBreakerConfig(config CircuitBreakerConfig) ChainOption {
	return func(c *Chain) {
		c.breaker = config
	}
}

func WithNowFunc(now func() time.Time) ChainOption {
	return func(c *Chain) {
		c.nowFunc = now
	}
}

func NewChain(providers []Provider, options ...ChainOption) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("[NewChain] at least one provider is required")
	}
	c := &Chain{
		timeout: defaultCallTimeout,
		breaker: DefaultCircuitBreakerConfig(),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	for _, p := range providers {
		c.links = append(c.links, link{
			provider: p,
			breaker:  NewCircuitBreaker(p.Name(), c.breaker, c.nowFunc),
		})
	}
	return c, nil
}

// Generate returns the first successful reply. When every provider fails or
// is short-circuited the error matches ErrGenerationFailed.
func (c *Chain) Generate(ctx context.Context, history []Turn) (string, error) {
	turns := mergeConsecutive(history)
	if len(turns) == 0 {
		return "", apperrors.Wrapf(apperrors.ErrGenerationFailed, "empty history")
	}
	if c.window != nil {
		turns = c.window.Fit(turns)
	}

	var failures []error
	for _, l := range c.links {
		var reply string
		err := l.breaker.CallContext(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			r, err := l.provider.Generate(callCtx, turns)
			if err != nil {
				return err
			}
			if strings.TrimSpace(r) == "" {
				return errors.New("empty reply")
			}
			reply = r
			return nil
		})
		if err == nil {
			return reply, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", l.provider.Name(), err))
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("provider", l.provider.Name()).Msg("provider failed")
	}
	return "", fmt.Errorf("%w: %w", apperrors.ErrGenerationFailed, apperrors.Join(failures...))
}

// States reports each provider's circuit state, in fallback order.
func (c *Chain) States() map[string]CircuitState {
	states := make(map[string]CircuitState, len(c.links))
	for _, l := range c.links {
		states[l.provider.Name()] = l.breaker.State()
	}
	return states
}
