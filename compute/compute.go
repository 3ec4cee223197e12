// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package compute

import (
	"context"

	"golang.org/x/exp/constraints"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/event"
	"github.com/born-ml/ndrange/internal/kernelc"
	"github.com/born-ml/ndrange/internal/runtime"
	"github.com/born-ml/ndrange/internal/workspace"
)

// WorkSpace is an iteration domain: totalItems work items in groups of
// groupSize.
type WorkSpace = workspace.WorkSpace

// Item is the addressing of one work item.
type Item = workspace.Item

// NewWorkSpace creates a domain. groupSize must divide totalItems.
func NewWorkSpace(totalItems, groupSize int) (WorkSpace, error) {
	return workspace.New(totalItems, groupSize)
}

// FitWorkSpace creates a domain with the largest group size up to
// maxGroupSize that divides totalItems.
func FitWorkSpace(totalItems, maxGroupSize int) (WorkSpace, error) {
	return workspace.Fit(totalItems, maxGroupSize)
}

// Buffer is a typed array shared between the host and a device.
type Buffer = buffer.Buffer

// DataType is the element type of a Buffer.
type DataType = buffer.DataType

// Element types.
const (
	Float32 DataType = buffer.Float32
	Float64 DataType = buffer.Float64
	Int32   DataType = buffer.Int32
	Uint32  DataType = buffer.Uint32
	Int64   DataType = buffer.Int64
)

// Element is a constraint for the Go types a Buffer can hold.
type Element = buffer.Element

// Usage declares how kernels may access a buffer.
type Usage = buffer.Usage

// Buffer usages.
const (
	ReadWrite Usage = buffer.ReadWrite
	ReadOnly  Usage = buffer.ReadOnly
	WriteOnly Usage = buffer.WriteOnly
)

// NewBuffer allocates a zero-filled buffer of length elements.
func NewBuffer(dtype DataType, length int, usage Usage) (*Buffer, error) {
	return buffer.New(dtype, length, usage)
}

// From allocates a buffer holding a copy of data.
func From[T Element](usage Usage, data []T) (*Buffer, error) {
	return buffer.From(usage, data)
}

// Read returns a copy of the host contents of b.
func Read[T Element](b *Buffer) ([]T, error) {
	return buffer.Read[T](b)
}

// Write replaces the host contents of b with data.
func Write[T Element](b *Buffer, data []T) error {
	return buffer.Write(b, data)
}

// Mapping is direct host access to a buffer, open until Unmap.
type Mapping[T Element] = buffer.Mapping[T]

// Map opens a mapping of b; a writable mapping publishes its changes at
// Unmap.
func Map[T Element](b *Buffer, writable bool) (*Mapping[T], error) {
	return buffer.Map[T](b, writable)
}

// Event tracks one submitted command.
type Event = event.Event

// UserEvent is an event completed by the caller.
type UserEvent = event.UserEvent

// State is the lifecycle state of an Event.
type State = event.State

// Event states.
const (
	Pending   State = event.Pending
	Running   State = event.Running
	Completed State = event.Completed
	Failed    State = event.Failed
)

// NewUserEvent creates an event the caller completes or fails.
func NewUserEvent(label string) *UserEvent {
	return event.NewUser(label)
}

// WaitAll waits for every event and returns the first failure.
func WaitAll(ctx context.Context, events ...*Event) error {
	return event.WaitAll(ctx, events...)
}

// Context owns a device, the programs built on it and its queues.
type Context = runtime.Context

// Option configures a Context.
type Option = runtime.Option

// WithInOrderQueues makes every queue of the context run its commands one at
// a time in submission order.
var WithInOrderQueues = runtime.WithInOrderQueues

// WithLogger sets the logger of the context.
var WithLogger = runtime.WithLogger

// NewContext creates a context on dev.
func NewContext(dev device.Device, opts ...Option) *Context {
	return runtime.New(dev, opts...)
}

// Program is a built program.
type Program = runtime.Program

// Kernel is an entry point of a program with its bound arguments.
type Kernel = runtime.Kernel

// Arg is a kernel argument.
type Arg = runtime.Arg

// BufferArg passes b to a buffer parameter.
func BufferArg(b *Buffer) Arg {
	return runtime.BufferArg(b)
}

// Scalar passes v to a scalar parameter.
func Scalar[T constraints.Integer | constraints.Float](v T) Arg {
	return runtime.Scalar(v)
}

// Queue submits commands to the device of a context.
type Queue = runtime.Queue

// Executor runs kernels end to end.
type Executor = runtime.Executor

// Output is the host copy of one buffer a kernel was allowed to write.
type Output = runtime.Output

// Region is the host copy of part of a buffer read by EnqueueReadRegion.
type Region = runtime.Region

// ReadRegion waits for r and returns it as []T.
func ReadRegion[T Element](ctx context.Context, r *Region) ([]T, error) {
	return runtime.ReadRegion[T](ctx, r)
}

// NewExecutor creates an executor with its own queue on c.
func NewExecutor(c *Context) (*Executor, error) {
	return runtime.NewExecutor(c)
}

// Device is a compute device.
type Device = device.Device

// Capabilities describes a device.
type Capabilities = device.Capabilities

// CompileError reports every diagnostic of a failed build.
type CompileError = kernelc.CompileError

// RuntimeError is a fault raised by a work item.
type RuntimeError = kernelc.RuntimeError

// Errors, matched with errors.Is.
var (
	ErrInvalidDomain            = workspace.ErrInvalidDomain
	ErrIndexOutOfRange          = workspace.ErrIndexOutOfRange
	ErrUsageViolation           = buffer.ErrUsageViolation
	ErrStaleRead                = buffer.ErrStaleRead
	ErrBusy                     = buffer.ErrBusy
	ErrOutOfRange               = buffer.ErrOutOfRange
	ErrUnknownEntryPoint        = runtime.ErrUnknownEntryPoint
	ErrBusyKernel               = runtime.ErrBusyKernel
	ErrUnsupportedConfiguration = runtime.ErrUnsupportedConfiguration
	ErrArgumentMismatch         = runtime.ErrArgumentMismatch
	ErrClosed                   = runtime.ErrClosed
	ErrCancelled                = event.ErrCancelled
	ErrDependencyFailed         = event.ErrDependencyFailed
)
