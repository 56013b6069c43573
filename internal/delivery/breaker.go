package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker around a transport
type BreakerConfig struct {
	Enabled      bool
	MinRequests  uint32
	FailureRatio float64
	// OpenTimeout is how long the breaker stays open before letting a trial send through
	OpenTimeout time.Duration
	// Interval clears the closed-state counts periodically
	Interval time.Duration
}

// DefaultBreakerConfig matches the worker pool defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:      true,
		MinRequests:  3,
		FailureRatio: 0.6,
		OpenTimeout:  30 * time.Second,
		Interval:     time.Minute,
	}
}

var errSendFailed = errors.New("send failed")

// BreakerTransport stops calling a relay that keeps failing. While open,
// sends fail immediately with an ordinary failure Result, so the item is
// rescheduled like any other failed attempt.
type BreakerTransport struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next in a circuit breaker
func NewBreakerTransport(next Transport, cfg BreakerConfig) *BreakerTransport {
	def := DefaultBreakerConfig()
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	logger := slog.Default().With("component", "delivery-breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &BreakerTransport{next: next, cb: cb}
}

// Name implements Transport
func (b *BreakerTransport) Name() string {
	return b.next.Name()
}

// Unwrap returns the transport behind the breaker
func (b *BreakerTransport) Unwrap() Transport {
	return b.next
}

// Direct returns t without its circuit breaker, for sends such as operator
// notices that must neither be refused by an open breaker nor count
// towards tripping it.
func Direct(t Transport) Transport {
	if b, ok := t.(*BreakerTransport); ok {
		return b.Unwrap()
	}
	return t
}

// State reports the breaker state
func (b *BreakerTransport) State() gobreaker.State {
	return b.cb.State()
}

// Send implements Transport
func (b *BreakerTransport) Send(ctx context.Context, msg *Message) Result {
	out, err := b.cb.Execute(func() (interface{}, error) {
		res := b.next.Send(ctx, msg)
		if !res.Success {
			return res, errSendFailed
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failure(fmt.Errorf("%s transport unavailable: %w", b.next.Name(), err), "")
	}
	res, ok := out.(Result)
	if !ok {
		return Failure(fmt.Errorf("%s transport returned no result", b.next.Name()), "")
	}
	return res
}
