// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/ndrange/internal/backend/cpu"
	"github.com/born-ml/ndrange/internal/device"
)

// Backend is the CPU device.
type Backend = internalcpu.CPUBackend

// Option configures a Backend.
type Option = internalcpu.Option

// Compile-time check that Backend implements device.Device.
var _ device.Device = (*Backend)(nil)

// DefaultMaxGroupSize is the largest group size accepted unless
// WithMaxGroupSize says otherwise.
const DefaultMaxGroupSize = internalcpu.DefaultMaxGroupSize

// New creates a CPU device.
//
// Example:
//
//	dev := cpu.New(cpu.WithWorkers(4))
//	ctx := compute.NewContext(dev)
//	defer ctx.Close()
func New(opts ...Option) *Backend {
	return internalcpu.New(opts...)
}

// WithWorkers sets the number of worker goroutines. n <= 1 runs every group
// on the launching goroutine.
func WithWorkers(n int) Option {
	return internalcpu.WithWorkers(n)
}

// WithMinChunk sets the minimum number of groups a worker takes at once.
func WithMinChunk(groups int) Option {
	return internalcpu.WithMinChunk(groups)
}

// WithMaxGroupSize sets the largest accepted group size.
func WithMaxGroupSize(n int) Option {
	return internalcpu.WithMaxGroupSize(n)
}
