// Package workspace describes the one-dimensional iteration domain of a kernel
// submission: how many work items run and how they are grouped.
//
// A domain whose item count is not a multiple of its group size is rejected
// with ErrInvalidDomain. There is no padding, so every derived item is active
// and may touch the buffers bound to the kernel.
package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDomain is returned for a total item count or group size that
	// cannot describe a domain.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrIndexOutOfRange is returned when addressing an item outside the domain.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// WorkSpace is an immutable iteration domain.
type WorkSpace struct {
	totalItems int
	groupSize  int
}

// Item holds the addressing values of a single work item.
type Item struct {
	GlobalID   int
	GlobalSize int
	LocalID    int
	LocalSize  int
	GroupID    int
	NumGroups  int
}

// New configures a domain of totalItems items split into groups of groupSize.
func New(totalItems, groupSize int) (WorkSpace, error) {
	switch {
	case totalItems < 1:
		return WorkSpace{}, fmt.Errorf("%w: total items %d < 1", ErrInvalidDomain, totalItems)
	case groupSize < 1:
		return WorkSpace{}, fmt.Errorf("%w: group size %d < 1", ErrInvalidDomain, groupSize)
	case groupSize > totalItems:
		return WorkSpace{}, fmt.Errorf("%w: group size %d exceeds total items %d", ErrInvalidDomain, groupSize, totalItems)
	case totalItems%groupSize != 0:
		return WorkSpace{}, fmt.Errorf("%w: total items %d not a multiple of group size %d", ErrInvalidDomain, totalItems, groupSize)
	}
	return WorkSpace{totalItems: totalItems, groupSize: groupSize}, nil
}

// Fit returns a domain of totalItems items using the largest group size that
// divides totalItems and does not exceed maxGroupSize.
func Fit(totalItems, maxGroupSize int) (WorkSpace, error) {
	if maxGroupSize < 1 {
		return WorkSpace{}, fmt.Errorf("%w: max group size %d < 1", ErrInvalidDomain, maxGroupSize)
	}
	if totalItems < 1 {
		return WorkSpace{}, fmt.Errorf("%w: total items %d < 1", ErrInvalidDomain, totalItems)
	}
	size := min(maxGroupSize, totalItems)
	for totalItems%size != 0 {
		size--
	}
	return New(totalItems, size)
}

// TotalItems returns the number of work items in the domain.
func (w WorkSpace) TotalItems() int {
	return w.totalItems
}

// GroupSize returns the number of work items per group.
func (w WorkSpace) GroupSize() int {
	return w.groupSize
}

// NumGroups returns the number of work groups.
func (w WorkSpace) NumGroups() int {
	if w.groupSize == 0 {
		return 0
	}
	return w.totalItems / w.groupSize
}

// IsZero reports whether w was never configured.
func (w WorkSpace) IsZero() bool {
	return w.totalItems == 0
}

// Derive returns the addressing values of the item with the given global id.
func (w WorkSpace) Derive(globalID int) (Item, error) {
	if globalID < 0 || globalID >= w.totalItems {
		return Item{}, fmt.Errorf("%w: global id %d outside [0, %d)", ErrIndexOutOfRange, globalID, w.totalItems)
	}
	return w.item(globalID), nil
}

// Group calls fn for every item of group g in local id order.
// g must be in [0, NumGroups()).
func (w WorkSpace) Group(g int, fn func(Item)) {
	base := g * w.groupSize
	for l := 0; l < w.groupSize; l++ {
		fn(w.item(base + l))
	}
}

func (w WorkSpace) item(globalID int) Item {
	return Item{
		GlobalID:   globalID,
		GlobalSize: w.totalItems,
		LocalID:    globalID % w.groupSize,
		LocalSize:  w.groupSize,
		GroupID:    globalID / w.groupSize,
		NumGroups:  w.totalItems / w.groupSize,
	}
}

// String returns a compact description of the domain.
func (w WorkSpace) String() string {
	return fmt.Sprintf("%d items / %d per group", w.totalItems, w.groupSize)
}
