package buffer

import (
	"fmt"

	"github.com/born-ml/ndrange/internal/event"
)

// Mapping gives the host direct access to the host copy of a buffer. While a
// mapping is open the buffer is held by it: a writable mapping excludes every
// submission, a read-only one excludes writers. Submissions that must see the
// mapped contents wait on Event, which completes at Unmap.
type Mapping[T Element] struct {
	b        *Buffer
	ev       *event.UserEvent
	writable bool
	data     []T
}

// Map opens a mapping of b. It fails with ErrStaleRead while a device write
// has not been read back, with ErrBusy while a conflicting submission holds
// b, and with ErrUsageViolation for a writable mapping of a ReadOnly buffer.
func Map[T Element](b *Buffer, writable bool) (*Mapping[T], error) {
	if TypeOf[T]() != b.dtype {
		return nil, fmt.Errorf("%w: mapping %s as %s", ErrTypeMismatch, b, TypeOf[T]())
	}
	if writable && b.usage == ReadOnly {
		return nil, fmt.Errorf("%w: writable mapping of %s", ErrUsageViolation, b)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stale() {
		return nil, fmt.Errorf("%w: mapping %s before its device write was read back", ErrStaleRead, b)
	}
	if !writable && !b.defined {
		return nil, fmt.Errorf("%w: %s mapped for reading before any write", ErrUsageViolation, b)
	}
	ev := event.NewUser("map " + b.String())
	if err := b.acquire(ev.Event, writable); err != nil {
		return nil, err
	}
	return &Mapping[T]{b: b, ev: ev, writable: writable, data: View[T](b.window())}, nil
}

// Data returns the mapped elements. The slice aliases the host copy and must
// not be used after Unmap; a read-only mapping must not be written through.
func (m *Mapping[T]) Data() []T {
	return m.data
}

// Event completes when the mapping is closed.
func (m *Mapping[T]) Event() *event.Event {
	return m.ev.Event
}

// Unmap closes the mapping and publishes host changes made through a writable
// one, so the next device use uploads them. Unmap is idempotent.
func (m *Mapping[T]) Unmap() {
	b := m.b
	b.mu.Lock()
	if m.writable && !m.ev.Settled() {
		b.version++
		b.defined = true
	}
	b.mu.Unlock()
	m.data = nil
	m.ev.Complete()
}
