package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/born-ml/ndrange/internal/ctxlog"
)

// Command is the work behind an enqueued event. It receives a context that is
// cancelled when the queue is closed.
type Command func(ctx context.Context) error

// Option configures a Queue.
type Option func(*Queue)

// InOrder makes every command implicitly wait on the previously enqueued one.
func InOrder() Option {
	return func(q *Queue) {
		q.inOrder = true
	}
}

// WithLogger sets the logger used for event transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithName labels the queue in logs.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// Queue dispatches commands once their wait sets complete. Without InOrder,
// independently enqueued commands have no ordering relative to each other.
type Queue struct {
	name    string
	inOrder bool
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	last    *Event
	pending map[uint64]*Event
}

// NewQueue returns an open queue.
func NewQueue(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:    "queue",
		logger:  ctxlog.Discard(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]*Event),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string {
	return q.name
}

// InOrder reports whether the queue serializes its commands.
func (q *Queue) InOrder() bool {
	return q.inOrder
}

// Enqueue schedules cmd to run after every event of waitSet completes and
// returns a fresh Pending event tracking it. If any event of waitSet fails, cmd
// never runs and the returned event fails with ErrDependencyFailed. A nil cmd
// acts as a marker that completes with its wait set.
func (q *Queue) Enqueue(label string, waitSet []*Event, cmd Command) (*Event, error) {
	return q.EnqueueWith(label, waitSet, func(*Event) (Command, error) {
		return cmd, nil
	})
}

// EnqueueWith is Enqueue with a setup step. setup receives the new event, with
// its wait set recorded, before anything else can observe it; it returns the
// command to run or an error that discards the event and is returned as is.
// setup runs with the queue locked and must not enqueue on the same queue.
func (q *Queue) EnqueueWith(label string, waitSet []*Event, setup func(ev *Event) (Command, error)) (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}

	deps := make([]*Event, 0, len(waitSet)+1)
	for _, dep := range waitSet {
		if dep != nil {
			deps = append(deps, dep)
		}
	}
	if q.inOrder && q.last != nil {
		deps = append(deps, q.last)
	}

	ev := newEvent(label)
	ev.deps = deps
	cmd, err := setup(ev)
	if err != nil {
		return nil, err
	}

	q.pending[ev.id] = ev
	q.last = ev
	q.wg.Add(1)
	go q.run(ev, deps, cmd)

	q.logger.Debug("event enqueued", "queue", q.name, "event", ev.String(), "deps", len(deps))
	return ev, nil
}

func (q *Queue) run(ev *Event, deps []*Event, cmd Command) {
	defer q.wg.Done()

	// Dependencies report in settle order so that the first failure wins
	// even while earlier entries of the wait set are still pending.
	settled := make(chan *Event, len(deps))
	for _, dep := range deps {
		dep.OnSettle(func(d *Event) { settled <- d })
	}
	for range deps {
		select {
		case dep := <-settled:
			if dep.State() == Failed {
				q.settle(ev, fmt.Errorf("%w: %s: %w", ErrDependencyFailed, dep, dep.Err()))
				return
			}
		case <-q.ctx.Done():
			q.settle(ev, fmt.Errorf("%w: %s closed before %s ran", ErrCancelled, q.name, ev))
			return
		}
	}
	if q.ctx.Err() != nil {
		q.settle(ev, fmt.Errorf("%w: %s closed before %s ran", ErrCancelled, q.name, ev))
		return
	}
	if !ev.start() {
		return
	}
	q.logger.Debug("event running", "queue", q.name, "event", ev.String())

	if cmd == nil {
		q.settle(ev, nil)
		return
	}
	err := cmd(q.ctx)
	if err != nil && q.ctx.Err() != nil && errors.Is(err, context.Canceled) && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	q.settle(ev, err)
}

func (q *Queue) settle(ev *Event, err error) {
	if !ev.settle(err) {
		return
	}
	q.mu.Lock()
	delete(q.pending, ev.id)
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug("event failed", "queue", q.name, "event", ev.String(), "error", err)
		return
	}
	q.logger.Debug("event completed", "queue", q.name, "event", ev.String(), "duration", ev.Profile().Duration())
}

// Pending returns the number of unsettled events owned by the queue.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Finish blocks until every event enqueued so far has settled.
func (q *Queue) Finish(ctx context.Context) error {
	q.mu.Lock()
	events := make([]*Event, 0, len(q.pending))
	for _, ev := range q.pending {
		events = append(events, ev)
	}
	q.mu.Unlock()

	for _, ev := range events {
		select {
		case <-ev.Done():
		case <-ctx.Done():
			return fmt.Errorf("%w: finishing %s: %w", ErrCancelled, q.name, ctx.Err())
		}
	}
	return nil
}

// Close tears the queue down. Commands that have not started fail with
// ErrCancelled, running commands see their context cancelled, and Close
// blocks until every event has settled. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	n := len(q.pending)
	q.mu.Unlock()

	if n > 0 {
		q.logger.Debug("closing queue with unsettled events", "queue", q.name, "events", n)
	}
	q.cancel()
	q.wg.Wait()
	return nil
}
