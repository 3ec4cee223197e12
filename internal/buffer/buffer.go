package buffer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unsafe"

	"github.com/born-ml/ndrange/internal/event"
)

var (
	// ErrUsageViolation is returned for an access the buffer's Usage forbids.
	ErrUsageViolation = errors.New("usage violation")

	// ErrStaleRead is returned when host data is read while a device write to
	// the buffer has not been transferred back.
	ErrStaleRead = errors.New("stale read")

	// ErrBusy is returned when the buffer is held by an in-flight submission
	// that the requested access is not ordered after.
	ErrBusy = errors.New("buffer busy")

	// ErrTypeMismatch is returned when typed access does not match the
	// element type of the buffer.
	ErrTypeMismatch = errors.New("element type mismatch")

	// ErrOutOfRange is returned for a region that does not fit in the buffer.
	ErrOutOfRange = errors.New("region out of range")
)

// Usage declares how kernels may access a buffer.
type Usage int

// Buffer usages.
const (
	ReadWrite Usage = iota
	ReadOnly
	WriteOnly
)

// DeviceReads reports whether kernels may read the buffer.
func (u Usage) DeviceReads() bool {
	return u != WriteOnly
}

// DeviceWrites reports whether kernels may write the buffer.
func (u Usage) DeviceWrites() bool {
	return u != ReadOnly
}

// String returns a human-readable usage name.
func (u Usage) String() string {
	switch u {
	case ReadWrite:
		return "read_write"
	case ReadOnly:
		return "read_only"
	case WriteOnly:
		return "write_only"
	default:
		return "unknown"
	}
}

// ParseUsage maps a usage name to a Usage. Dashes, underscores and case are
// ignored, so "read-only", "READ_ONLY" and "readonly" are equivalent.
func ParseUsage(s string) (Usage, error) {
	norm := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(s))
	switch norm {
	case "readwrite", "rw", "":
		return ReadWrite, nil
	case "readonly", "ro", "in":
		return ReadOnly, nil
	case "writeonly", "wo", "out":
		return WriteOnly, nil
	default:
		return 0, fmt.Errorf("unknown usage %q", s)
	}
}

type hold struct {
	ev      *event.Event
	mutable bool
	// wrote is set when the hold counted as a device write.
	wrote bool
}

// Buffer is a fixed-length typed array shared between the host and the
// devices that execute kernels over it.
//
// A kernel submission that may write the buffer makes the host copy stale
// until a read-back of that write settles. Host reads of a stale buffer fail
// with ErrStaleRead; Sync waits for the pending read-back instead.
//
// A sub-buffer made by Sub is a window of its root buffer. It shares the
// root's host copy, holds and staleness, so any submission using a window
// orders against every other user of the root.
type Buffer struct {
	dtype  DataType
	length int
	usage  Usage

	// root is nil for a buffer made by New; offset is the first element of
	// the window within the root.
	root   *Buffer
	offset int

	*store
}

// store is the state a root buffer shares with its windows.
type store struct {
	mu   sync.Mutex
	data []byte

	// version increments whenever the host copy changes.
	version uint64
	// defined is false for a WriteOnly buffer nothing has written yet.
	defined bool

	// writes counts submissions that may write the device copy; synced is the
	// highest such count a settled read-back has accounted for.
	writes   uint64
	synced   uint64
	readBack *event.Event

	holds []hold
}

// New allocates a zero-filled buffer of length elements.
func New(dtype DataType, length int, usage Usage) (*Buffer, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid data type %d", int(dtype))
	}
	if length < 0 {
		return nil, fmt.Errorf("negative buffer length %d", length)
	}
	switch usage {
	case ReadWrite, ReadOnly, WriteOnly:
	default:
		return nil, fmt.Errorf("invalid usage %d", int(usage))
	}
	return &Buffer{
		dtype:  dtype,
		length: length,
		usage:  usage,
		store: &store{
			data:    make([]byte, length*dtype.Size()),
			defined: usage != WriteOnly,
		},
	}, nil
}

// Sub returns the window of length elements starting at element offset. The
// window keeps the usage of b and must hold at least one element.
func (b *Buffer) Sub(offset, length int) (*Buffer, error) {
	if offset < 0 || length < 1 || offset+length > b.length {
		return nil, fmt.Errorf("%w: [%d:%d] of %s", ErrOutOfRange, offset, offset+length, b)
	}
	return &Buffer{
		dtype:  b.dtype,
		length: length,
		usage:  b.usage,
		root:   b.Root(),
		offset: b.offset + offset,
		store:  b.store,
	}, nil
}

// Root returns the buffer b is a window of, or b itself.
func (b *Buffer) Root() *Buffer {
	if b.root != nil {
		return b.root
	}
	return b
}

// Offset returns the first element of b within its root.
func (b *Buffer) Offset() int {
	return b.offset
}

// ByteOffset returns the first byte of b within its root.
func (b *Buffer) ByteOffset() int {
	return b.offset * b.dtype.Size()
}

// window returns the bytes of b within the shared host copy.
func (b *Buffer) window() []byte {
	start := b.ByteOffset()
	return b.data[start : start+b.ByteSize()]
}

// From allocates a buffer holding a copy of data.
func From[T Element](usage Usage, data []T) (*Buffer, error) {
	b, err := New(TypeOf[T](), len(data), usage)
	if err != nil {
		return nil, err
	}
	copy(b.data, asBytes(data))
	b.defined = true
	return b, nil
}

// FromValues allocates a buffer of the given type holding values converted
// element by element.
func FromValues(dtype DataType, usage Usage, values []float64) (*Buffer, error) {
	b, err := New(dtype, len(values), usage)
	if err != nil {
		return nil, err
	}
	encode(dtype, b.data, values)
	b.defined = true
	return b, nil
}

// DType returns the element type.
func (b *Buffer) DType() DataType {
	return b.dtype
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	return b.length
}

// ByteSize returns the size of the buffer in bytes.
func (b *Buffer) ByteSize() int {
	return b.length * b.dtype.Size()
}

// Usage returns the declared device access.
func (b *Buffer) Usage() Usage {
	return b.usage
}

// String returns a compact description of the buffer.
func (b *Buffer) String() string {
	if b.root != nil {
		return fmt.Sprintf("%s[%d:%d] %s", b.dtype, b.offset, b.offset+b.length, b.usage)
	}
	return fmt.Sprintf("%s[%d] %s", b.dtype, b.length, b.usage)
}

// Stale reports whether a device write has not been transferred back yet.
func (b *Buffer) Stale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale()
}

func (b *Buffer) stale() bool {
	return b.synced < b.writes
}

// Version returns a counter that changes whenever the host copy changes.
func (b *Buffer) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Write replaces the host contents with data. It fails with
// ErrUsageViolation on a ReadOnly buffer and with ErrBusy while a submission
// holds the buffer; the contents are unchanged in both cases.
func Write[T Element](b *Buffer, data []T) error {
	if TypeOf[T]() != b.dtype {
		return fmt.Errorf("%w: writing %s into %s", ErrTypeMismatch, TypeOf[T](), b)
	}
	return b.WriteBytes(asBytes(data))
}

// WriteValues converts values to the element type and writes them.
func (b *Buffer) WriteValues(values []float64) error {
	raw := make([]byte, len(values)*b.dtype.Size())
	encode(b.dtype, raw, values)
	return b.WriteBytes(raw)
}

// WriteBytes replaces the host contents with raw, which must be exactly
// ByteSize bytes in the native layout of the element type.
func (b *Buffer) WriteBytes(raw []byte) error {
	if b.usage == ReadOnly {
		return fmt.Errorf("%w: host write to %s", ErrUsageViolation, b)
	}
	if len(raw) != b.ByteSize() {
		return fmt.Errorf("write of %d bytes to %s (%d bytes)", len(raw), b, b.ByteSize())
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.held(); ok {
		return fmt.Errorf("%w: %s held by %s", ErrBusy, b, h.ev)
	}
	if b.root != nil && b.stale() {
		// The rest of the root would lose device writes on the next upload.
		return fmt.Errorf("%w: host write to %s of a root not yet read back", ErrStaleRead, b)
	}
	copy(b.window(), raw)
	b.version++
	b.defined = true
	// Host data now supersedes whatever the device produced.
	b.synced = b.writes
	return nil
}

// Bytes returns a copy of the host contents.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRead(); err != nil {
		return nil, err
	}
	out := make([]byte, b.ByteSize())
	copy(out, b.window())
	return out, nil
}

// Read returns a copy of the host contents as []T.
func Read[T Element](b *Buffer) ([]T, error) {
	if TypeOf[T]() != b.dtype {
		return nil, fmt.Errorf("%w: reading %s from %s", ErrTypeMismatch, TypeOf[T](), b)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRead(); err != nil {
		return nil, err
	}
	out := make([]T, b.length)
	copy(asBytes(out), b.window())
	return out, nil
}

// Float32s returns a copy of the contents of a Float32 buffer.
func (b *Buffer) Float32s() ([]float32, error) { return Read[float32](b) }

// Float64s returns a copy of the contents of a Float64 buffer.
func (b *Buffer) Float64s() ([]float64, error) { return Read[float64](b) }

// Int32s returns a copy of the contents of an Int32 buffer.
func (b *Buffer) Int32s() ([]int32, error) { return Read[int32](b) }

// Uint32s returns a copy of the contents of a Uint32 buffer.
func (b *Buffer) Uint32s() ([]uint32, error) { return Read[uint32](b) }

// Int64s returns a copy of the contents of an Int64 buffer.
func (b *Buffer) Int64s() ([]int64, error) { return Read[int64](b) }

// Values returns the contents converted to float64, whatever the element type.
func (b *Buffer) Values() ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRead(); err != nil {
		return nil, err
	}
	return decode(b.dtype, b.window(), b.length), nil
}

func (b *Buffer) checkRead() error {
	if b.stale() {
		return fmt.Errorf("%w: %s has a device write not yet read back", ErrStaleRead, b)
	}
	if !b.defined {
		return fmt.Errorf("%w: %s read before any write", ErrUsageViolation, b)
	}
	return nil
}

// Sync blocks until the host copy reflects every device write enqueued so far.
// It fails with ErrStaleRead if no pending read-back covers the latest write,
// and with the read-back's failure if it failed.
func (b *Buffer) Sync(ctx context.Context) error {
	b.mu.Lock()
	if !b.stale() {
		b.mu.Unlock()
		return nil
	}
	rb := b.readBack
	b.mu.Unlock()

	if rb == nil {
		return fmt.Errorf("%w: %s has no pending read-back", ErrStaleRead, b)
	}
	if err := rb.Wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stale() {
		return fmt.Errorf("%w: %s written again after %s", ErrStaleRead, b, rb)
	}
	return nil
}

// held returns an unsettled hold, pruning settled ones. b.mu must be held.
func (b *Buffer) held() (hold, bool) {
	live := b.holds[:0]
	for _, h := range b.holds {
		if !h.ev.Settled() {
			live = append(live, h)
		}
	}
	clear(b.holds[len(live):])
	b.holds = live
	if len(live) == 0 {
		return hold{}, false
	}
	return live[0], true
}

// Acquire records that the submission tracked by ev uses the buffer until ev
// settles. A mutable hold conflicts with every other hold, a shared hold with
// mutable ones, unless ev is ordered after the conflicting submission.
// A mutable hold makes the host copy stale.
func (b *Buffer) Acquire(ev *event.Event, mutable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquire(ev, mutable); err != nil {
		return err
	}
	if mutable {
		b.writes++
		b.holds[len(b.holds)-1].wrote = true
	}
	return nil
}

// Abandon drops every hold of ev, a submission that will never be queued,
// and undoes the device writes those holds counted.
func (b *Buffer) Abandon(ev *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.holds[:0]
	for _, h := range b.holds {
		if h.ev != ev {
			live = append(live, h)
			continue
		}
		if h.wrote {
			b.writes--
		}
	}
	clear(b.holds[len(live):])
	b.holds = live
}

func (b *Buffer) acquire(ev *event.Event, mutable bool) error {
	b.held()
	for _, h := range b.holds {
		if !mutable && !h.mutable {
			continue
		}
		if !ev.DependsOn(h.ev) {
			return fmt.Errorf("%w: %s held by %s", ErrBusy, b, h.ev)
		}
	}
	b.holds = append(b.holds, hold{ev: ev, mutable: mutable})
	return nil
}

// ReadBack is a pending transfer of the device copy into the host copy.
type ReadBack struct {
	b      *store
	target uint64
}

// BeginReadBack registers ev as the transfer that refreshes the host copy. The
// transfer accounts for every device write enqueued before it. When ev
// settles without Commit being called, the host copy keeps its previous
// contents and stops being stale. For a window the transfer covers the whole
// root.
func (b *Buffer) BeginReadBack(ev *event.Event) (*ReadBack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquire(ev, true); err != nil {
		return nil, err
	}
	rb := &ReadBack{b: b.store, target: b.writes}
	b.readBack = ev
	ev.OnSettle(func(*event.Event) { rb.settle() })
	return rb, nil
}

// Commit copies raw, the device contents of the whole root, into the host
// copy and returns the new host version.
func (rb *ReadBack) Commit(raw []byte) uint64 {
	b := rb.b
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data, raw)
	b.version++
	b.defined = true
	if rb.target > b.synced {
		b.synced = rb.target
	}
	return b.version
}

func (rb *ReadBack) settle() {
	b := rb.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if rb.target > b.synced {
		// The device copy may be partially written; force a re-upload.
		b.synced = rb.target
		b.version++
	}
}

// Snapshot calls fn with the host contents of the whole root and their
// version while holding the buffer lock. fn must not retain raw.
func (b *Buffer) Snapshot(fn func(raw []byte, version uint64) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b.data, b.version)
}

// Defined reports whether the host copy holds meaningful contents.
func (b *Buffer) Defined() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.defined
}

func asBytes[T Element](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	//nolint:gosec // unsafe.Slice for zero-copy conversion, length derived from len(data)
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*int(unsafe.Sizeof(zero)))
}

// View reinterprets raw as []T without copying. len(raw) must be a multiple of
// the size of T.
func View[T Element](raw []byte) []T {
	var zero T
	n := len(raw) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by n
	return unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
}

func encode(dtype DataType, dst []byte, values []float64) {
	switch dtype {
	case Float32:
		out := View[float32](dst)
		for i, v := range values {
			out[i] = float32(v)
		}
	case Float64:
		copy(View[float64](dst), values)
	case Int32:
		out := View[int32](dst)
		for i, v := range values {
			out[i] = int32(v)
		}
	case Uint32:
		out := View[uint32](dst)
		for i, v := range values {
			out[i] = uint32(int64(v))
		}
	case Int64:
		out := View[int64](dst)
		for i, v := range values {
			out[i] = int64(v)
		}
	}
}

// Decode converts raw, elements of dtype in native layout, to float64.
func Decode(dtype DataType, raw []byte) []float64 {
	return decode(dtype, raw, len(raw)/dtype.Size())
}

func decode(dtype DataType, src []byte, n int) []float64 {
	out := make([]float64, n)
	switch dtype {
	case Float32:
		for i, v := range View[float32](src) {
			out[i] = float64(v)
		}
	case Float64:
		copy(out, View[float64](src))
	case Int32:
		for i, v := range View[int32](src) {
			out[i] = float64(v)
		}
	case Uint32:
		for i, v := range View[uint32](src) {
			out[i] = float64(v)
		}
	case Int64:
		for i, v := range View[int64](src) {
			out[i] = float64(v)
		}
	}
	return out
}

// Equal reports whether two value slices match within tol, treating NaNs as
// equal to each other.
func Equal(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.IsNaN(a[i]) && math.IsNaN(b[i]) {
			continue
		}
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}
