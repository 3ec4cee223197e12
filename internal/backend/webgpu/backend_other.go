//go:build !windows

package webgpu

import (
	"context"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
)

// Backend is the WebGPU device. On this platform it cannot be created.
type Backend struct{}

// New always fails with ErrUnavailable on this platform.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// IsAvailable reports whether WebGPU can be used.
func IsAvailable() bool {
	return false
}

func (b *Backend) Name() string { return "WebGPU" }

func (b *Backend) Capabilities() device.Capabilities {
	return device.Capabilities{Name: b.Name(), Kind: device.KindGPU}
}

func (b *Backend) Build(context.Context, string, string) (device.Program, error) {
	return nil, ErrUnavailable
}

func (b *Backend) Alloc(buffer.DataType, int) (device.Memory, error) {
	return nil, ErrUnavailable
}

func (b *Backend) Close() error { return nil }
