// Package event implements completion tracking for enqueued device work.
//
// An Event moves Pending → Running → {Completed, Failed} and never regresses.
// Events are created by a Queue (one per enqueued command) or by NewUser for
// host-controlled gating.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCancelled is returned when work is interrupted by queue teardown or
	// when a wait is abandoned by the caller's context.
	ErrCancelled = errors.New("cancelled")

	// ErrDependencyFailed wraps the failure of an event in a command's wait set.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrQueueClosed is returned when enqueueing on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)

// State is the lifecycle state of an Event.
type State int32

// Event states.
const (
	Pending State = iota
	Running
	Completed
	Failed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settled reports whether s is a terminal state.
func (s State) Settled() bool {
	return s == Completed || s == Failed
}

// Profile holds the timestamps of an event's lifecycle. Zero values mean the
// transition did not happen.
type Profile struct {
	Queued  time.Time
	Started time.Time
	Ended   time.Time
}

// Duration returns the time spent running, or zero if the event never ran.
func (p Profile) Duration() time.Duration {
	if p.Started.IsZero() || p.Ended.IsZero() {
		return 0
	}
	return p.Ended.Sub(p.Started)
}

var lastID atomic.Uint64

// Event tracks the lifecycle of one enqueued operation.
type Event struct {
	id    uint64
	label string
	done  chan struct{}

	mu        sync.Mutex
	state     State
	err       error
	profile   Profile
	deps      []*Event
	callbacks []func(*Event)
}

func newEvent(label string) *Event {
	return &Event{
		id:      lastID.Add(1),
		label:   label,
		done:    make(chan struct{}),
		profile: Profile{Queued: time.Now()},
	}
}

// ID returns a process-unique identifier.
func (e *Event) ID() uint64 {
	return e.id
}

// Label returns the description given at creation.
func (e *Event) Label() string {
	return e.label
}

// State returns the current state.
func (e *Event) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure of a Failed event and nil otherwise.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done returns a channel closed once the event settles.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// Settled reports whether the event reached Completed or Failed.
func (e *Event) Settled() bool {
	return e.State().Settled()
}

// Profile returns the lifecycle timestamps recorded so far.
func (e *Event) Profile() Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// Wait blocks until the event settles and returns its failure, if any.
// Expiry of ctx is reported as ErrCancelled; the event itself is unaffected.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	default:
	}
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s: %w", ErrCancelled, e, ctx.Err())
	}
}

// OnSettle registers fn to run once the event settles. Callbacks run before
// Wait returns, so fn must not wait on the event itself. fn runs immediately,
// on the calling goroutine, when the event already settled.
func (e *Event) OnSettle(fn func(*Event)) {
	e.mu.Lock()
	if !e.state.Settled() {
		e.callbacks = append(e.callbacks, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn(e)
}

// DependsOn reports whether e is ordered after other, directly or through its
// wait set. Every event depends on itself and on settled events.
func (e *Event) DependsOn(other *Event) bool {
	if other == nil || e == other || other.Settled() {
		return true
	}
	seen := make(map[*Event]bool)
	stack := []*Event{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		cur.mu.Lock()
		deps := cur.deps
		cur.mu.Unlock()
		for _, dep := range deps {
			if dep == other {
				return true
			}
			stack = append(stack, dep)
		}
	}
	return false
}

// String returns the label and id of the event.
func (e *Event) String() string {
	return fmt.Sprintf("%s#%d", e.label, e.id)
}

// start moves a Pending event to Running.
func (e *Event) start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Pending {
		return false
	}
	e.state = Running
	e.profile.Started = time.Now()
	return true
}

// settle moves the event to Completed (err == nil) or Failed. It returns false
// if the event had already settled.
func (e *Event) settle(err error) bool {
	e.mu.Lock()
	if e.state.Settled() {
		e.mu.Unlock()
		return false
	}
	if err != nil {
		e.state = Failed
		e.err = err
	} else {
		e.state = Completed
		// Every dependency settled before a completion; a failure may leave
		// some running and DependsOn must still reach them.
		e.deps = nil
	}
	e.profile.Ended = time.Now()
	callbacks := e.callbacks
	e.callbacks = nil
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn(e)
	}
	close(e.done)
	return true
}

// UserEvent is an event settled by the host instead of a queue.
type UserEvent struct {
	*Event
}

// NewUser returns a Running user event. Commands that wait on it stay gated
// until Complete or Fail is called.
func NewUser(label string) *UserEvent {
	ev := newEvent(label)
	ev.start()
	return &UserEvent{Event: ev}
}

// Complete settles the event successfully. It reports false if the event had
// already settled.
func (u *UserEvent) Complete() bool {
	return u.settle(nil)
}

// Fail settles the event with err. It reports false if the event had already
// settled.
func (u *UserEvent) Fail(err error) bool {
	if err == nil {
		err = errors.New("user event failed")
	}
	return u.settle(err)
}

// WaitAll waits for every event in order and returns the first failure.
func WaitAll(ctx context.Context, events ...*Event) error {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := ev.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
