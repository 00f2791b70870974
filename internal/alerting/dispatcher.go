package alerting

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"reactive-guard/internal/alert"
)

// DispatcherOptions tune the asynchronous notifier queue.
type DispatcherOptions struct {
	// MinKind is the least severe kind forwarded to the notifier.
	MinKind   alert.Kind
	QueueSize int
	Channels  []string
}

// Dispatcher decouples notifier latency from the alert pipeline. Enqueue
// never blocks; when the queue is full the alert is dropped.
type Dispatcher struct {
	notifier Notifier
	opts     DispatcherOptions
	queue    chan Notification
	logger   zerolog.Logger

	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewDispatcher wraps notifier with a bounded queue.
func NewDispatcher(notifier Notifier, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MinKind == 0 {
		opts.MinKind = alert.Critical
	}
	return &Dispatcher{
		notifier: notifier,
		opts:     opts,
		queue:    make(chan Notification, opts.QueueSize),
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
	}
}

// Enqueue schedules a for delivery when it is at least MinKind severe. It
// reports whether the alert was queued.
func (d *Dispatcher) Enqueue(a alert.Alert) bool {
	if a.Kind.Severity() < d.opts.MinKind.Severity() {
		return false
	}

	select {
	case d.queue <- Notification{Alert: a, Channels: d.opts.Channels}:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("subject", a.SubjectHex()).Str("kind", a.Kind.String()).Msg("notifier queue full; alert dropped")
		return false
	}
}

// Run delivers queued notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Warn().Int("pending", n).Msg("dispatcher stopped with undelivered notifications")
			}
			return ctx.Err()
		case note := <-d.queue:
			if err := d.notifier.Notify(ctx, note); err != nil {
				d.logger.Error().Err(err).Str("subject", note.Alert.SubjectHex()).Msg("failed to dispatch alert")
				continue
			}
			d.sent.Add(1)
		}
	}
}

// Dropped returns how many alerts were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Sent returns how many notifications were delivered.
func (d *Dispatcher) Sent() uint64 { return d.sent.Load() }
