// Package device defines the contract between the runtime and a compute
// device. A device builds programs from source text, allocates device memory
// and launches entry points over a workspace.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/workspace"
)

var (
	// ErrReleased is returned when using a released object.
	ErrReleased = errors.New("device: object released")

	// ErrForeignMemory is returned when memory allocated by one device is
	// passed to another.
	ErrForeignMemory = errors.New("device: memory belongs to another device")
)

// Kind classifies devices.
type Kind string

// Device kinds.
const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
)

// Capabilities describes a device to callers choosing a workspace.
type Capabilities struct {
	Name         string
	Kind         Kind
	MaxGroupSize int
	ComputeUnits int
	DeviceCount  int
}

// String returns a one-line summary.
func (c Capabilities) String() string {
	return fmt.Sprintf("%s (%s, %d compute units, max group %d)", c.Name, c.Kind, c.ComputeUnits, c.MaxGroupSize)
}

// Param is one parameter of an entry point. Reads and Writes tell the runtime
// which buffers must be uploaded before and read back after a launch.
type Param struct {
	Name   string
	Buffer bool
	Type   buffer.DataType
	Reads  bool
	Writes bool
}

// Arg is a launch argument: Mem for buffer parameters, Int or Float for
// scalars. A non-zero Size binds only the Size bytes of Mem starting at
// Offset.
type Arg struct {
	Mem    Memory
	Offset int
	Size   int
	Int    int64
	Float  float64
}

// Window returns the byte range of mem the argument binds.
func (a Arg) Window(memSize int) (offset, size int, err error) {
	if a.Size == 0 && a.Offset == 0 {
		return 0, memSize, nil
	}
	if a.Offset < 0 || a.Size < 0 || a.Offset+a.Size > memSize {
		return 0, 0, fmt.Errorf("device: window [%d:%d] outside %d bytes", a.Offset, a.Offset+a.Size, memSize)
	}
	return a.Offset, a.Size, nil
}

// Device is a compute device.
type Device interface {
	Capabilities() Capabilities

	// Build compiles source. Compile failures are returned as the device's
	// compile error type, carrying every diagnostic.
	Build(ctx context.Context, name, source string) (Program, error)

	// Alloc reserves device memory for length elements of dtype.
	Alloc(dtype buffer.DataType, length int) (Memory, error)

	// Close releases the device. Objects it created must not be used after.
	Close() error
}

// Program is a built program.
type Program interface {
	EntryPoints() []string
	Entry(name string) (Entry, bool)
	Release() error
}

// Entry is one launchable entry point of a program.
type Entry interface {
	Name() string
	Params() []Param

	// GroupSize returns the group size the entry was compiled for, or 0 if
	// it accepts any.
	GroupSize() int

	// Launch runs the entry over every item of ws and returns once all
	// items finished or one of them failed.
	Launch(ctx context.Context, ws workspace.WorkSpace, args []Arg) error
}

// Memory is device memory backing one buffer.
type Memory interface {
	Size() int
	Upload(ctx context.Context, src []byte) error
	Download(ctx context.Context, dst []byte) error
	Release() error
}

// Copier is implemented by devices that copy between their own memories
// without a round trip through the host.
type Copier interface {
	Copy(ctx context.Context, dst, src Memory) error
}

// RangeReader is implemented by memories that download part of their
// contents without transferring the rest.
type RangeReader interface {
	DownloadRange(ctx context.Context, dst []byte, offset int) error
}

// ReadRange fills dst with the bytes of m starting at offset, downloading
// the whole memory when m is not a RangeReader.
func ReadRange(ctx context.Context, m Memory, dst []byte, offset int) error {
	if offset < 0 || offset+len(dst) > m.Size() {
		return fmt.Errorf("device: read of [%d:%d] from %d bytes", offset, offset+len(dst), m.Size())
	}
	if r, ok := m.(RangeReader); ok {
		return r.DownloadRange(ctx, dst, offset)
	}
	tmp := make([]byte, m.Size())
	if err := m.Download(ctx, tmp); err != nil {
		return err
	}
	copy(dst, tmp[offset:])
	return nil
}

// Copy copies src into dst, through the host when d is not a Copier.
func Copy(ctx context.Context, d Device, dst, src Memory) error {
	if dst.Size() != src.Size() {
		return fmt.Errorf("device: copy of %d bytes into %d bytes", src.Size(), dst.Size())
	}
	if c, ok := d.(Copier); ok {
		return c.Copy(ctx, dst, src)
	}
	tmp := make([]byte, src.Size())
	if err := src.Download(ctx, tmp); err != nil {
		return err
	}
	return dst.Upload(ctx, tmp)
}
