package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"reactive-guard/internal/scheduler"
)

// PollSource reads guardian logs with FilterLogs on a fixed interval, for
// endpoints without pub/sub support.
type PollSource struct {
	client   *Client
	interval time.Duration
	logger   zerolog.Logger
	stateMachine

	// owned by Run
	next    uint64
	started bool
}

// NewPollSource builds a polling source.
func NewPollSource(client *Client, interval time.Duration, logger zerolog.Logger) *PollSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	p := &PollSource{
		client:   client,
		interval: interval,
		logger:   logger.With().Str("component", "chain_poller").Logger(),
	}
	p.stateMachine.logger = p.logger
	return p
}

// Run polls until ctx is cancelled. Logs emitted before the first poll are
// not replayed; failed polls are retried on the next tick from the same
// block.
func (p *PollSource) Run(ctx context.Context, handle Handler) error {
	p.set(Connecting)
	sched := scheduler.New(scheduler.Options{Name: "chain_poll", Interval: p.interval, Immediate: true}, p.logger)
	err := sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return p.poll(ctx, handle)
	})
	p.set(Terminated)
	return err
}

func (p *PollSource) poll(ctx context.Context, handle Handler) error {
	head, err := p.client.Head(ctx)
	if err != nil {
		p.fail()
		return err
	}

	if !p.started {
		p.next = head + 1
		p.started = true
		p.set(Active)
		return nil
	}
	if head < p.next {
		p.set(Active)
		return nil
	}

	err = p.client.ScanRange(ctx, p.next, head, func(ctx context.Context, lg types.Log) error {
		handle(ctx, lg)
		return nil
	})
	if err != nil {
		p.fail()
		return err
	}
	p.next = head + 1
	p.set(Active)
	return nil
}

func (p *PollSource) fail() {
	p.set(Errored)
	p.client.Reset()
}

var _ Source = (*PollSource)(nil)
