package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

var errSubscriptionClosed = errors.New("subscription closed by remote")

// SubscribeOptions configure a push subscription.
type SubscribeOptions struct {
	Retry RetryPolicy
	// GapFill replays logs emitted while disconnected, starting at the last
	// block seen.
	GapFill bool
	Buffer  int
}

// SubscribeSource follows guardian logs over an eth_subscribe feed and
// resubscribes according to its retry policy.
type SubscribeSource struct {
	client *Client
	opts   SubscribeOptions
	logger zerolog.Logger
	stateMachine

	// owned by Run
	cursor     uint64
	haveCursor bool
}

// NewSubscribeSource builds a source over client, which must use a
// websocket endpoint.
func NewSubscribeSource(client *Client, opts SubscribeOptions, logger zerolog.Logger) *SubscribeSource {
	if opts.Buffer <= 0 {
		opts.Buffer = 128
	}
	s := &SubscribeSource{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "chain_subscriber").Logger(),
	}
	s.stateMachine.logger = s.logger
	return s
}

// Run blocks until ctx is cancelled or the retry policy gives up, in which
// case the error wraps ErrSourceTerminated.
func (s *SubscribeSource) Run(ctx context.Context, handle Handler) error {
	failures := 0
	for {
		s.set(Connecting)
		established, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			s.set(Terminated)
			return ctx.Err()
		}
		if established {
			failures = 0
		}
		failures++

		subErr := &SubscriptionError{Attempt: failures, Err: err}
		s.logger.Error().Err(subErr).Msg("guardian subscription failed")
		s.set(Errored)
		s.client.Reset()

		if s.opts.Retry.Exhausted(failures) {
			s.set(Terminated)
			return fmt.Errorf("%w: %w", ErrSourceTerminated, subErr)
		}

		wait := s.opts.Retry.Backoff(failures)
		s.logger.Info().Dur("backoff", wait).Int("attempt", failures).Msg("resubscribing after backoff")
		if err := sleep(ctx, wait); err != nil {
			s.set(Terminated)
			return err
		}
	}
}

// session runs one subscription until it fails. established reports whether
// the subscription reached Active.
func (s *SubscribeSource) session(ctx context.Context, handle Handler) (established bool, err error) {
	logs := make(chan types.Log, s.opts.Buffer)
	sub, err := s.client.subscribe(ctx, logs)
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	head, err := s.client.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("read head: %w", err)
	}
	s.set(Active)

	if s.opts.GapFill && s.haveCursor && head >= s.cursor {
		from := s.cursor
		replayed := 0
		err := s.client.ScanRange(ctx, from, head, func(ctx context.Context, lg types.Log) error {
			replayed++
			s.deliver(ctx, handle, lg)
			return nil
		})
		if err != nil {
			return true, fmt.Errorf("gap fill %d-%d: %w", from, head, err)
		}
		s.logger.Info().Uint64("from", from).Uint64("to", head).Int("logs", replayed).Msg("gap fill complete")
	}
	s.advance(head)

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = errSubscriptionClosed
			}
			return true, err
		case lg := <-logs:
			s.deliver(ctx, handle, lg)
		}
	}
}

func (s *SubscribeSource) deliver(ctx context.Context, handle Handler, lg types.Log) {
	if lg.Removed {
		s.logger.Debug().Str("tx", lg.TxHash.Hex()).Uint("index", lg.Index).Msg("skipping removed log")
		return
	}
	s.advance(lg.BlockNumber)
	handle(ctx, lg)
}

func (s *SubscribeSource) advance(block uint64) {
	if !s.haveCursor || block > s.cursor {
		s.cursor = block
		s.haveCursor = true
	}
}

var _ Source = (*SubscribeSource)(nil)
