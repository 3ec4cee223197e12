package cpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/ndrange/internal/device"
)

// memory is device memory of the CPU device: a byte slice kernels view in
// place. data is nil once released.
type memory struct {
	dev  *CPUBackend
	mu   sync.RWMutex
	data []byte
}

func (m *memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *memory) Upload(ctx context.Context, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return device.ErrReleased
	}
	if len(src) != len(m.data) {
		return fmt.Errorf("cpu: upload of %d bytes into %d bytes", len(src), len(m.data))
	}
	copy(m.data, src)
	return nil
}

func (m *memory) Download(ctx context.Context, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return device.ErrReleased
	}
	if len(dst) != len(m.data) {
		return fmt.Errorf("cpu: download of %d bytes into %d bytes", len(m.data), len(dst))
	}
	copy(dst, m.data)
	return nil
}

// DownloadRange copies the len(dst) bytes starting at offset into dst.
func (m *memory) DownloadRange(ctx context.Context, dst []byte, offset int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return device.ErrReleased
	}
	if offset < 0 || offset+len(dst) > len(m.data) {
		return fmt.Errorf("cpu: download of [%d:%d] from %d bytes", offset, offset+len(dst), len(m.data))
	}
	copy(dst, m.data[offset:])
	return nil
}

// Release frees the memory. It waits for launches using it to return.
func (m *memory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	m.dev.allocated.Add(-int64(len(m.data)))
	m.data = nil
	return nil
}
