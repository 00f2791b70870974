package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// State is the lifecycle of a chain subscription.
type State int32

const (
	Connecting State = iota
	Active
	Errored
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Errored:
		return "errored"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrSourceTerminated is returned when a source gives up after a failure.
var ErrSourceTerminated = errors.New("chain: source terminated")

// SubscriptionError is one failure reported on the subscription error
// channel, or a failure to establish the subscription.
type SubscriptionError struct {
	Attempt int
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription failure (attempt %d): %v", e.Attempt, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Handler receives each raw guardian log. Handlers must not retain the log's
// slices past the call.
type Handler func(ctx context.Context, lg types.Log)

// Source delivers raw guardian logs in chain order.
type Source interface {
	Run(ctx context.Context, handle Handler) error
	State() State
}

// RetryPolicy is capped exponential backoff for resubscription.
type RetryPolicy struct {
	Enabled        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failures; zero retries forever.
	MaxAttempts int
}

// Backoff returns the wait before reconnect attempt n (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether attempt consecutive failures end the source.
func (p RetryPolicy) Exhausted(attempt int) bool {
	if !p.Enabled {
		return true
	}
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

type stateMachine struct {
	state  atomic.Int32
	logger zerolog.Logger
}

func (m *stateMachine) State() State { return State(m.state.Load()) }

func (m *stateMachine) set(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev != next {
		m.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("source state changed")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
