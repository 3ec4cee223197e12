package runtime

import (
	"context"
	"fmt"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/event"
)

// Region is the host copy of part of a buffer, filled by EnqueueReadRegion.
type Region struct {
	ev    *event.Event
	dtype buffer.DataType
	data  []byte
}

// Event returns the event of the transfer.
func (r *Region) Event() *event.Event {
	return r.ev
}

// Bytes waits for the transfer and returns the region in the native layout
// of the element type.
func (r *Region) Bytes(ctx context.Context) ([]byte, error) {
	if err := r.ev.Wait(ctx); err != nil {
		return nil, err
	}
	return r.data, nil
}

// Values waits for the transfer and returns the region converted to float64.
func (r *Region) Values(ctx context.Context) ([]float64, error) {
	raw, err := r.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	return buffer.Decode(r.dtype, raw), nil
}

// ReadRegion waits for r and returns it as []T.
func ReadRegion[T buffer.Element](ctx context.Context, r *Region) ([]T, error) {
	raw, err := r.Bytes(ctx)
	if err != nil {
		return nil, err
	}
	if buffer.TypeOf[T]() != r.dtype {
		return nil, fmt.Errorf("%w: reading %s region as %s", buffer.ErrTypeMismatch, r.dtype, buffer.TypeOf[T]())
	}
	return append([]T(nil), buffer.View[T](raw)...), nil
}
