package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/alertstore"
)

var (
	ErrClosed            = errors.New("router: closed")
	ErrUnknownObserver   = errors.New("router: observer not connected")
	ErrAlreadySubscribed = errors.New("router: observer already declared a subject")
)

// Options tune backlog sizes and per-observer buffering.
type Options struct {
	// BacklogLimit bounds the backlog-all snapshot sent on connect.
	BacklogLimit int
	// SubjectBacklogLimit bounds backlog-subject; zero sends all retained matches.
	SubjectBacklogLimit int
	// SendBuffer is the number of undelivered messages an observer may queue
	// before it is evicted.
	SendBuffer int
}

// Observer is one connected consumer of the alert stream.
type Observer struct {
	id   string
	send chan Message

	// owned by the router loop
	subject    common.Address
	subscribed bool
}

// ID returns a unique identifier for logging.
func (o *Observer) ID() string { return o.id }

// Messages yields deliveries in order. The channel is closed when the
// observer is disconnected or evicted.
func (o *Observer) Messages() <-chan Message { return o.send }

// Stats is the synchronous query surface used for health reporting.
type Stats struct {
	ConnectedObservers   int
	AlertsProcessedTotal uint64
}

type publishReq struct {
	alert alert.Alert
	done  chan struct{}
}

type connectReq struct {
	observer *Observer
	done     chan struct{}
}

type subscribeReq struct {
	observer *Observer
	subject  common.Address
	reply    chan error
}

// Router records alerts into the store and fans them out to observers.
// All membership changes and all store writes happen on the Run goroutine,
// one request at a time.
type Router struct {
	store  *alertstore.Store
	opts   Options
	logger zerolog.Logger

	publishCh    chan publishReq
	connectCh    chan connectReq
	subscribeCh  chan subscribeReq
	disconnectCh chan *Observer
	done         chan struct{}

	observers map[*Observer]struct{}
	bySubject map[common.Address]map[*Observer]struct{}
	connected atomic.Int64
}

// New constructs a router over store. Call Run exactly once.
func New(store *alertstore.Store, opts Options, logger zerolog.Logger) *Router {
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = 20
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	return &Router{
		store:        store,
		opts:         opts,
		logger:       logger.With().Str("component", "router").Logger(),
		publishCh:    make(chan publishReq),
		connectCh:    make(chan connectReq),
		subscribeCh:  make(chan subscribeReq),
		disconnectCh: make(chan *Observer),
		done:         make(chan struct{}),
		observers:    make(map[*Observer]struct{}),
		bySubject:    make(map[common.Address]map[*Observer]struct{}),
	}
}

// Store exposes the underlying history for read-only queries.
func (r *Router) Store() *alertstore.Store { return r.store }

// Run processes requests until ctx is cancelled, then closes every observer.
// A request accepted by the loop is always completed before the next one.
func (r *Router) Run(ctx context.Context) error {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			for o := range r.observers {
				r.remove(o)
			}
			r.logger.Debug().Msg("router stopped")
			return ctx.Err()
		case req := <-r.publishCh:
			r.handlePublish(req.alert)
			close(req.done)
		case req := <-r.connectCh:
			r.handleConnect(req.observer)
			close(req.done)
		case req := <-r.subscribeCh:
			req.reply <- r.handleSubscribe(req.observer, req.subject)
		case o := <-r.disconnectCh:
			if _, ok := r.observers[o]; ok {
				r.remove(o)
				r.logger.Debug().Str("observer", o.id).Msg("observer disconnected")
			}
		}
	}
}

// Publish records a and delivers it. It returns after every observer has
// been offered the alert.
func (r *Router) Publish(ctx context.Context, a alert.Alert) error {
	req := publishReq{alert: a, done: make(chan struct{})}
	select {
	case r.publishCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
	<-req.done
	return nil
}

// Connect registers a new observer. Its first message is always the
// backlog-all snapshot taken atomically with registration.
func (r *Router) Connect(ctx context.Context) (*Observer, error) {
	o := &Observer{id: uuid.NewString(), send: make(chan Message, r.opts.SendBuffer)}
	req := connectReq{observer: o, done: make(chan struct{})}

	select {
	case r.connectCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
	<-req.done
	return o, nil
}

// Subscribe declares o's subject of interest. Only the first declaration per
// observer takes effect; later ones return ErrAlreadySubscribed and change
// nothing.
func (r *Router) Subscribe(ctx context.Context, o *Observer, subject string) error {
	addr, err := alert.NormalizeSubject(subject)
	if err != nil {
		return err
	}

	req := subscribeReq{observer: o, subject: addr, reply: make(chan error, 1)}
	select {
	case r.subscribeCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}

	return <-req.reply
}

// Disconnect removes o from every delivery target. It is idempotent and
// safe to call after Run has returned.
func (r *Router) Disconnect(o *Observer) {
	select {
	case r.disconnectCh <- o:
	case <-r.done:
	}
}

// Stats reports connected observers and the lifetime alert count.
func (r *Router) Stats() Stats {
	return Stats{
		ConnectedObservers:   int(r.connected.Load()),
		AlertsProcessedTotal: r.store.Total(),
	}
}

func (r *Router) handlePublish(a alert.Alert) {
	r.store.Record(a)

	live := []alert.Alert{a}
	for o := range r.observers {
		r.deliver(o, Message{Type: AlertBroadcast, Alerts: live})
	}

	subject := a.SubjectHex()
	for o := range r.bySubject[a.Subject] {
		r.deliver(o, Message{Type: AlertSubject, Subject: subject, Alerts: live})
	}

	r.logger.Info().
		Str("kind", a.Kind.String()).
		Str("subject", subject).
		Str("health_factor", a.HealthFactor.String()).
		Int("observers", len(r.observers)).
		Int("subject_observers", len(r.bySubject[a.Subject])).
		Msg("alert routed")
}

func (r *Router) handleConnect(o *Observer) {
	backlog := r.store.Recent(r.opts.BacklogLimit)
	// The channel is fresh and buffered, so the backlog always fits.
	o.send <- Message{Type: BacklogAll, Alerts: backlog}

	r.observers[o] = struct{}{}
	r.connected.Add(1)
	r.logger.Debug().Str("observer", o.id).Int("backlog", len(backlog)).Msg("observer connected")
}

func (r *Router) handleSubscribe(o *Observer, subject common.Address) error {
	if _, ok := r.observers[o]; !ok {
		return ErrUnknownObserver
	}
	if o.subscribed {
		if o.subject != subject {
			r.logger.Debug().Str("observer", o.id).
				Str("subject", alert.FormatSubject(o.subject)).
				Str("ignored", alert.FormatSubject(subject)).
				Msg("repeat subject declaration ignored")
		}
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, alert.FormatSubject(o.subject))
	}

	o.subject = subject
	o.subscribed = true
	members, ok := r.bySubject[subject]
	if !ok {
		members = make(map[*Observer]struct{})
		r.bySubject[subject] = members
	}
	members[o] = struct{}{}

	backlog := r.store.ForSubject(subject, r.opts.SubjectBacklogLimit)
	r.deliver(o, Message{Type: BacklogSubject, Subject: alert.FormatSubject(subject), Alerts: backlog})

	r.logger.Info().Str("observer", o.id).Str("subject", alert.FormatSubject(subject)).Int("backlog", len(backlog)).Msg("observer subscribed")
	return nil
}

// deliver never blocks; an observer whose buffer is full is evicted so the
// pipeline keeps moving.
func (r *Router) deliver(o *Observer, msg Message) {
	select {
	case o.send <- msg:
	default:
		r.logger.Warn().Str("observer", o.id).Str("type", string(msg.Type)).Msg("observer buffer full; evicting")
		r.remove(o)
	}
}

func (r *Router) remove(o *Observer) {
	if _, ok := r.observers[o]; !ok {
		return
	}
	delete(r.observers, o)
	if o.subscribed {
		if members, ok := r.bySubject[o.subject]; ok {
			delete(members, o)
			if len(members) == 0 {
				delete(r.bySubject, o.subject)
			}
		}
	}
	close(o.send)
	r.connected.Add(-1)
}
