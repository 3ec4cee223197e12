package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/internal/event"
)

func TestMap_WritablePublishesAtUnmap(t *testing.T) {
	b, err := From(ReadWrite, []float32{1, 2, 3})
	require.NoError(t, err)
	v := b.Version()

	m, err := Map[float32](b, true)
	require.NoError(t, err)
	m.Data()[1] = 20

	require.ErrorIs(t, Write(b, []float32{0, 0, 0}), ErrBusy)
	require.ErrorIs(t, b.Acquire(event.NewUser("kernel").Event, false), ErrBusy)
	_, err = Map[float32](b, false)
	require.ErrorIs(t, err, ErrBusy)

	m.Unmap()
	m.Unmap()
	assert.Equal(t, v+1, b.Version())
	assert.True(t, m.Event().Settled())
	assert.Nil(t, m.Data())

	got, err := b.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 20, 3}, got)
}

func TestMap_ReadersShare(t *testing.T) {
	b, err := From(ReadOnly, []int32{7, 8})
	require.NoError(t, err)

	r1, err := Map[int32](b, false)
	require.NoError(t, err)
	r2, err := Map[int32](b, false)
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8}, r2.Data())
	require.NoError(t, b.Acquire(event.NewUser("reader").Event, false))

	v := b.Version()
	r1.Unmap()
	r2.Unmap()
	assert.Equal(t, v, b.Version(), "a read-only mapping publishes nothing")
}

func TestMap_OrderedSubmissionWaits(t *testing.T) {
	q := event.NewQueue()
	defer q.Close()

	b, err := From(ReadWrite, []float64{1})
	require.NoError(t, err)
	m, err := Map[float64](b, true)
	require.NoError(t, err)

	_, err = q.EnqueueWith("unordered", nil, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, false)
	})
	require.ErrorIs(t, err, ErrBusy)
	after, err := q.EnqueueWith("after", []*event.Event{m.Event()}, func(ev *event.Event) (event.Command, error) {
		return nil, b.Acquire(ev, false)
	})
	require.NoError(t, err)
	assert.Equal(t, event.Pending, after.State())

	m.Unmap()
	require.NoError(t, after.Wait(t.Context()))
}

func TestMap_Errors(t *testing.T) {
	ro, err := From(ReadOnly, []float32{1})
	require.NoError(t, err)
	_, err = Map[float32](ro, true)
	require.ErrorIs(t, err, ErrUsageViolation)
	_, err = Map[int32](ro, false)
	require.ErrorIs(t, err, ErrTypeMismatch)

	wo, err := New(Float32, 2, WriteOnly)
	require.NoError(t, err)
	_, err = Map[float32](wo, false)
	require.ErrorIs(t, err, ErrUsageViolation, "nothing to read yet")
	w, err := Map[float32](wo, true)
	require.NoError(t, err)
	w.Unmap()

	stale, err := From(ReadWrite, []float32{1})
	require.NoError(t, err)
	k := event.NewUser("kernel")
	require.NoError(t, stale.Acquire(k.Event, true))
	k.Complete()
	_, err = Map[float32](stale, false)
	require.ErrorIs(t, err, ErrStaleRead)
}
