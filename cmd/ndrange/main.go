// Package main provides the ndrange CLI. It runs the kernel launches of an
// HCL job file and prints every buffer the kernels wrote.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/born-ml/ndrange/internal/backend/cpu"
	"github.com/born-ml/ndrange/internal/backend/webgpu"
	"github.com/born-ml/ndrange/internal/buffer"
	"github.com/born-ml/ndrange/internal/config"
	"github.com/born-ml/ndrange/internal/ctxlog"
	"github.com/born-ml/ndrange/internal/device"
	"github.com/born-ml/ndrange/internal/runtime"
	"github.com/born-ml/ndrange/internal/workspace"
)

func main() {
	// Use a minimal logger until the job file is read.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run loads the job file named by args and performs its runs in order,
// writing results to outW.
func run(outW io.Writer, args []string) (err error) {
	opts, shouldExit, err := parseArgs(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	job, err := config.LoadFile(opts.JobPath)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	opts.apply(&job.Config)
	if err := job.Config.Validate(); err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	logger := ctxlog.New(job.Config.LogLevel, job.Config.LogFormat, os.Stderr)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	dev, err := openDevice(ctx, job.Config)
	if err != nil {
		return err
	}
	logger.Debug("device ready", "device", dev.Capabilities().String())

	rtOpts := []runtime.Option{runtime.WithLogger(logger)}
	if job.Config.InOrder {
		rtOpts = append(rtOpts, runtime.WithInOrderQueues())
	}
	rt := runtime.New(dev, rtOpts...)
	defer func() {
		err = multierr.Append(err, rt.Close())
	}()

	x, err := runtime.NewExecutor(rt)
	if err != nil {
		return err
	}
	for _, r := range job.Runs {
		if err := execute(ctx, x, rt.Capabilities(), job.Dir, r, outW); err != nil {
			return fmt.Errorf("run %q: %w", r.Name, err)
		}
	}
	return nil
}

// openDevice creates the device cfg selects. Auto falls back to the CPU when
// no WebGPU adapter can be opened.
func openDevice(ctx context.Context, cfg config.Config) (device.Device, error) {
	switch cfg.Device {
	case config.DeviceWebGPU:
		b, err := webgpu.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.DeviceAuto:
		b, err := webgpu.New()
		if err == nil {
			return b, nil
		}
		ctxlog.FromContext(ctx).Info("WebGPU unavailable, using the CPU", "error", err)
	}

	cpuOpts := []cpu.Option{cpu.WithMinChunk(cfg.MinGroupsPerWorker)}
	if cfg.Workers > 0 {
		cpuOpts = append(cpuOpts, cpu.WithWorkers(cfg.Workers))
	}
	return cpu.New(cpuOpts...), nil
}

// execute performs one run and prints the buffers it wrote.
func execute(ctx context.Context, x *runtime.Executor, caps device.Capabilities, dir string, r *config.Run, outW io.Writer) error {
	name, source, err := r.ReadSource(dir)
	if err != nil {
		return err
	}

	var ws workspace.WorkSpace
	if r.GroupSize == 0 {
		ws, err = workspace.Fit(r.TotalItems, caps.MaxGroupSize)
	} else {
		ws, err = workspace.New(r.TotalItems, r.GroupSize)
	}
	if err != nil {
		return err
	}

	args := make([]runtime.Arg, len(r.Args))
	for i, a := range r.Args {
		if args[i], err = newArg(a); err != nil {
			return fmt.Errorf("arg %q: %w", a.Name, err)
		}
	}

	outputs, err := x.RunNamed(ctx, name, source, r.Kernel, ws, args...)
	if err != nil {
		return err
	}
	fmt.Fprintf(outW, "run %s: %s over %s\n", r.Name, r.Kernel, ws)
	for _, o := range outputs {
		a := r.Args[o.Arg]
		fmt.Fprintf(outW, "  %s = %s\n", a.Name, formatValues(a.Type, o.Values))
	}
	return nil
}

// newArg creates the kernel argument a describes.
func newArg(a *config.Arg) (runtime.Arg, error) {
	if !a.Buffer {
		if a.Type.IsFloat() {
			return runtime.Scalar(a.Value), nil
		}
		if a.Value != math.Trunc(a.Value) {
			return runtime.Arg{}, fmt.Errorf("%s scalar given %g", a.Type, a.Value)
		}
		return runtime.Scalar(int64(a.Value)), nil
	}

	var b *buffer.Buffer
	var err error
	if a.Data != nil {
		b, err = buffer.FromValues(a.Type, a.Usage, a.Data)
	} else {
		b, err = buffer.New(a.Type, a.Length, a.Usage)
	}
	if err != nil {
		return runtime.Arg{}, err
	}
	return runtime.BufferArg(b), nil
}

func formatValues(dtype buffer.DataType, values []float64) string {
	bits := 64
	if dtype == buffer.Float32 {
		bits = 32
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, bits)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
