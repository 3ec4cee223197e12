//go:build windows

package webgpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/kernelc"
	"github.com/born-ml/ndrange/internal/workspace"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available on this system")
	}
	b, err := New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestIsAvailable(t *testing.T) {
	t.Logf("WebGPU available: %v", IsAvailable())
}

func TestNew(t *testing.T) {
	b := newTestBackend(t)
	caps := b.Capabilities()
	assert.Equal(t, "WebGPU", caps.Name)
	assert.Equal(t, device.KindGPU, caps.Kind)
	assert.Equal(t, DefaultWorkgroupSize, caps.MaxGroupSize)
}

func TestMemory_RoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	mem, err := b.Alloc(buffer.Float32, 3)
	require.NoError(t, err)
	assert.Equal(t, 12, mem.Size())

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	require.NoError(t, mem.Upload(ctx, src))
	dst := make([]byte, 12)
	require.NoError(t, mem.Download(ctx, dst))
	assert.Equal(t, src, dst)

	require.NoError(t, mem.Release())
	require.NoError(t, mem.Release())
	assert.ErrorIs(t, mem.Download(ctx, dst), device.ErrReleased)
	assert.Zero(t, b.Allocated())

	_, err = b.Alloc(buffer.Float64, 4)
	assert.Error(t, err)
}

func TestLaunch_Items(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	prog, err := b.Build(ctx, "items.wgsl", ItemsShader)
	require.NoError(t, err)
	defer prog.Release()

	e, ok := prog.Entry("items")
	require.True(t, ok)
	assert.Equal(t, 4, e.GroupSize())

	args := make([]device.Arg, 3)
	for i := range args {
		m, err := b.Alloc(buffer.Int32, 8)
		require.NoError(t, err)
		defer m.Release()
		args[i] = device.Arg{Mem: m}
	}

	ws, err := workspace.New(8, 4)
	require.NoError(t, err)
	require.NoError(t, e.Launch(ctx, ws, args))

	want := [][]int32{
		{0, 1, 2, 3, 4, 5, 6, 7},
		{0, 1, 2, 3, 0, 1, 2, 3},
		{0, 0, 0, 0, 1, 1, 1, 1},
	}
	for i, a := range args {
		raw := make([]byte, 32)
		require.NoError(t, a.Mem.Download(ctx, raw))
		assert.Equal(t, want[i], buffer.View[int32](raw))
	}

	wrong, err := workspace.New(8, 2)
	require.NoError(t, err)
	assert.Error(t, e.Launch(ctx, wrong, args))
}

func TestLaunch_UniformScalar(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	prog, err := b.Build(ctx, "mult.wgsl", MultShader)
	require.NoError(t, err)
	defer prog.Release()
	e, ok := prog.Entry("mult")
	require.True(t, ok)

	values := make([]float32, 100)
	for i := range values {
		values[i] = float32(i)
	}
	mem, err := b.Alloc(buffer.Float32, len(values))
	require.NoError(t, err)
	defer mem.Release()
	raw := make([]byte, 400)
	copy(buffer.View[float32](raw), values)
	require.NoError(t, mem.Upload(ctx, raw))

	ws, err := workspace.New(25, 25)
	require.NoError(t, err)
	require.NoError(t, e.Launch(ctx, ws, []device.Arg{{Float: 2}, {Mem: mem}}))

	require.NoError(t, mem.Download(ctx, raw))
	got := buffer.View[float32](raw)
	for i := range values {
		assert.InDelta(t, 2*values[i], got[i], 1e-6)
	}
}

func TestLaunch_ReturnsAfterExecution(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	prog, err := b.Build(ctx, "mult.wgsl", MultShader)
	require.NoError(t, err)
	defer prog.Release()
	e, ok := prog.Entry("mult")
	require.True(t, ok)

	raw := make([]byte, 100*4)
	ones := buffer.View[float32](raw)
	for i := range ones {
		ones[i] = 1
	}
	src, err := b.Alloc(buffer.Float32, len(ones))
	require.NoError(t, err)
	defer src.Release()
	dst, err := b.Alloc(buffer.Float32, len(ones))
	require.NoError(t, err)
	defer dst.Release()
	require.NoError(t, src.Upload(ctx, raw))

	ws, err := workspace.New(25, 25)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, e.Launch(ctx, ws, []device.Arg{{Float: 2}, {Mem: src}}))
	}
	// The copy reads whatever the device holds once the launches returned.
	require.NoError(t, b.Copy(ctx, dst, src))

	require.NoError(t, dst.Download(ctx, raw))
	for i, v := range buffer.View[float32](raw) {
		assert.InDelta(t, 8, v, 1e-6, "element %d", i)
	}
}

func TestBuild_ReflectionError(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Build(context.Background(), "bad.wgsl", "@compute fn f() {}")
	var ce *kernelc.CompileError
	assert.ErrorAs(t, err, &ce)
}
