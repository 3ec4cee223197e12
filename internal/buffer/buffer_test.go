package buffer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/internal/event"
)

func TestFrom_RoundTrip(t *testing.T) {
	b, err := From(ReadWrite, []float32{1.5, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, Float32, b.DType())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 12, b.ByteSize())

	got, err := b.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, -2, 3}, got)

	vals, err := b.Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2, 3}, vals)

	_, err = b.Int32s()
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFromValues(t *testing.T) {
	tests := []struct {
		dtype DataType
		in    []float64
		want  []float64
	}{
		{Float32, []float64{0.5, 2}, []float64{0.5, 2}},
		{Float64, []float64{0.1, -7}, []float64{0.1, -7}},
		{Int32, []float64{3.9, -3.9}, []float64{3, -3}},
		{Uint32, []float64{0, 42}, []float64{0, 42}},
		{Int64, []float64{1 << 40}, []float64{1 << 40}},
	}
	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			b, err := FromValues(tt.dtype, ReadOnly, tt.in)
			require.NoError(t, err)
			got, err := b.Values()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Float32, -1, ReadWrite)
	assert.Error(t, err)
	_, err = New(DataType(42), 1, ReadWrite)
	assert.Error(t, err)
	_, err = New(Float32, 1, Usage(9))
	assert.Error(t, err)

	b, err := New(Int64, 0, ReadWrite)
	require.NoError(t, err)
	got, err := b.Int64s()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrite_ReadOnlyRejected(t *testing.T) {
	b, err := From(ReadOnly, []int32{1, 2, 3})
	require.NoError(t, err)

	err = Write(b, []int32{9, 9, 9})
	require.ErrorIs(t, err, ErrUsageViolation)
	err = b.WriteValues([]float64{7, 7, 7})
	require.ErrorIs(t, err, ErrUsageViolation)

	got, err := b.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, got, "rejected writes leave host data unchanged")
}

func TestWriteOnly_UndefinedUntilWritten(t *testing.T) {
	b, err := New(Float64, 2, WriteOnly)
	require.NoError(t, err)
	assert.False(t, b.Defined())

	_, err = b.Values()
	require.ErrorIs(t, err, ErrUsageViolation)

	require.NoError(t, Write(b, []float64{4, 5}))
	got, err := b.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, got)
}

func TestWrite_LengthAndType(t *testing.T) {
	b, err := New(Uint32, 2, ReadWrite)
	require.NoError(t, err)

	assert.Error(t, Write(b, []uint32{1}))
	assert.ErrorIs(t, Write(b, []int32{1, 2}), ErrTypeMismatch)

	v := b.Version()
	require.NoError(t, Write(b, []uint32{1, 2}))
	assert.Greater(t, b.Version(), v)
}

func TestAcquire_Conflicts(t *testing.T) {
	b, err := From(ReadOnly, []float32{1})
	require.NoError(t, err)

	r1 := event.NewUser("r1")
	r2 := event.NewUser("r2")
	require.NoError(t, b.Acquire(r1.Event, false))
	require.NoError(t, b.Acquire(r2.Event, false), "concurrent readers are allowed")

	w := event.NewUser("w")
	require.ErrorIs(t, b.Acquire(w.Event, true), ErrBusy)

	r1.Complete()
	r2.Complete()
	require.NoError(t, b.Acquire(w.Event, true), "settled holds are released")
	assert.True(t, b.Stale())
	w.Complete()
}

func TestAcquire_OrderedAfterHolder(t *testing.T) {
	q := event.NewQueue()
	defer q.Close()

	b, err := From(ReadWrite, []float32{1, 2})
	require.NoError(t, err)

	gate := event.NewUser("gate")
	first, err := q.EnqueueWith("first", []*event.Event{gate.Event}, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, true)
	})
	require.NoError(t, err)

	_, err = q.EnqueueWith("unordered", nil, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, true)
	})
	require.ErrorIs(t, err, ErrBusy)

	second, err := q.EnqueueWith("second", []*event.Event{first}, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, true)
	})
	require.NoError(t, err, "a submission waiting on the holder may share the buffer")

	gate.Complete()
	require.NoError(t, second.Wait(context.Background()))
}

func TestWrite_BusyWhileHeld(t *testing.T) {
	b, err := From(ReadWrite, []int64{1})
	require.NoError(t, err)

	k := event.NewUser("kernel")
	require.NoError(t, b.Acquire(k.Event, false))
	require.ErrorIs(t, Write(b, []int64{2}), ErrBusy)

	k.Complete()
	require.NoError(t, Write(b, []int64{2}))
}

func TestStaleRead(t *testing.T) {
	q := event.NewQueue()
	defer q.Close()
	ctx := context.Background()

	b, err := From(ReadWrite, []float32{1, 2})
	require.NoError(t, err)

	gate := event.NewUser("gate")
	kernel, err := q.EnqueueWith("kernel", []*event.Event{gate.Event}, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, true)
	})
	require.NoError(t, err)

	for range 3 {
		_, err := b.Float32s()
		require.ErrorIs(t, err, ErrStaleRead, "unsynchronized reads fail consistently")
	}
	require.ErrorIs(t, b.Sync(ctx), ErrStaleRead, "no read-back pending")

	read, err := q.EnqueueWith("read", []*event.Event{kernel}, func(ev *event.Event) (event.Command, error) {
		rb, err := b.BeginReadBack(ev)
		if err != nil {
			return nil, err
		}
		return func(context.Context) error {
			rb.Commit(asBytes([]float32{10, 20}))
			return nil
		}, nil
	})
	require.NoError(t, err)

	_, err = b.Float32s()
	require.ErrorIs(t, err, ErrStaleRead)

	gate.Complete()
	require.NoError(t, b.Sync(ctx))
	require.NoError(t, read.Wait(ctx))

	got, err := b.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20}, got)
}

func TestReadBack_FailureKeepsHostData(t *testing.T) {
	q := event.NewQueue()
	defer q.Close()
	ctx := context.Background()

	b, err := From(ReadWrite, []int32{5, 6})
	require.NoError(t, err)
	before := b.Version()

	boom := errors.New("device fault")
	kernel, err := q.EnqueueWith("kernel", nil, func(ev *event.Event) (event.Command, error) {
		if err := b.Acquire(ev, true); err != nil {
			return nil, err
		}
		return func(context.Context) error { return boom }, nil
	})
	require.NoError(t, err)

	read, err := q.EnqueueWith("read", []*event.Event{kernel}, func(ev *event.Event) (event.Command, error) {
		rb, err := b.BeginReadBack(ev)
		if err != nil {
			return nil, err
		}
		return func(context.Context) error {
			rb.Commit(asBytes([]int32{0, 0}))
			return nil
		}, nil
	})
	require.NoError(t, err)

	err = read.Wait(ctx)
	require.ErrorIs(t, err, event.ErrDependencyFailed)
	require.ErrorIs(t, err, boom)

	got, err := b.Int32s()
	require.NoError(t, err, "a failed read-back ends the staleness window")
	assert.Equal(t, []int32{5, 6}, got)
	assert.Greater(t, b.Version(), before, "device copy must be re-uploaded")
}

func TestParseUsage(t *testing.T) {
	for in, want := range map[string]Usage{
		"read-only":  ReadOnly,
		"READ_ONLY":  ReadOnly,
		"writeonly":  WriteOnly,
		"read_write": ReadWrite,
		"":           ReadWrite,
	} {
		got, err := ParseUsage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseUsage("sometimes")
	assert.Error(t, err)
}

func TestParseDataType(t *testing.T) {
	for in, want := range map[string]DataType{
		"float32": Float32,
		"f64":     Float64,
		"int":     Int32,
		"u32":     Uint32,
		"Int64":   Int64,
	} {
		got, err := ParseDataType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDataType("complex128")
	assert.Error(t, err)
}

func TestTypeOf_NamedTypes(t *testing.T) {
	type celsius float64
	assert.Equal(t, Float64, TypeOf[celsius]())
	assert.Equal(t, Uint32, TypeOf[uint32]())
}

func TestAbandon_UndoesHold(t *testing.T) {
	b, err := From(ReadWrite, []float32{1, 2})
	require.NoError(t, err)

	ev := event.NewUser("rejected")
	require.NoError(t, b.Acquire(ev.Event, true))
	assert.True(t, b.Stale())

	b.Abandon(ev.Event)
	assert.False(t, b.Stale())
	require.NoError(t, Write(b, []float32{3, 4}), "abandoned holds no longer block the host")

	other := event.NewUser("other")
	require.NoError(t, b.Acquire(other.Event, true))
	b.Abandon(ev.Event)
	assert.True(t, b.Stale(), "only holds of the abandoned event are dropped")
	other.Complete()
}

func TestSub_SharesHostCopy(t *testing.T) {
	b, err := From(ReadWrite, []int32{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	w, err := b.Sub(2, 3)
	require.NoError(t, err)
	assert.Same(t, b, w.Root())
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 2, w.Offset())
	assert.Equal(t, 8, w.ByteOffset())
	assert.Equal(t, ReadWrite, w.Usage())
	assert.Equal(t, "int32[2:5] read_write", w.String())

	got, err := w.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 3, 4}, got)

	require.NoError(t, Write(w, []int32{20, 30, 40}))
	all, err := b.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 20, 30, 40, 5}, all)
	assert.Equal(t, b.Version(), w.Version())

	inner, err := w.Sub(1, 1)
	require.NoError(t, err)
	assert.Same(t, b, inner.Root())
	assert.Equal(t, 3, inner.Offset())
	vals, err := inner.Values()
	require.NoError(t, err)
	assert.Equal(t, []float64{30}, vals)
}

func TestSub_Bounds(t *testing.T) {
	b, err := New(Float32, 4, ReadOnly)
	require.NoError(t, err)

	for _, r := range [][2]int{{-1, 2}, {0, 0}, {3, 2}, {0, 5}} {
		_, err := b.Sub(r[0], r[1])
		assert.ErrorIs(t, err, ErrOutOfRange, "offset %d length %d", r[0], r[1])
	}
	w, err := b.Sub(3, 1)
	require.NoError(t, err)
	assert.Error(t, Write(w, []float32{1}), "the window keeps the read-only usage")
}

func TestSub_SharesHoldsAndStaleness(t *testing.T) {
	b, err := From(ReadWrite, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	left, err := b.Sub(0, 2)
	require.NoError(t, err)
	right, err := b.Sub(2, 2)
	require.NoError(t, err)

	k := event.NewUser("kernel")
	require.NoError(t, left.Acquire(k.Event, true))
	assert.True(t, b.Stale(), "a write through a window makes the root stale")
	assert.True(t, right.Stale())
	require.ErrorIs(t, right.Acquire(event.NewUser("other").Event, false), ErrBusy)
	k.Complete()

	_, err = right.Float32s()
	require.ErrorIs(t, err, ErrStaleRead)
	require.ErrorIs(t, Write(right, []float32{0, 0}), ErrStaleRead, "the rest of the root holds unread device data")

	rb := event.NewUser("read")
	back, err := right.BeginReadBack(rb.Event)
	require.NoError(t, err)
	back.Commit(asBytes([]float32{5, 6, 7, 8}))
	rb.Complete()

	require.False(t, b.Stale())
	got, err := right.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8}, got)
	got, err = left.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, got)
}
