// Package config loads the device configuration and the job files the
// command line runs. Job files are HCL; expressions may call a small set of
// go-cty standard library functions.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/born-ml/ndrange/internal/buffer"
)

// Device names.
const (
	DeviceCPU    = "cpu"
	DeviceWebGPU = "webgpu"
	// DeviceAuto selects WebGPU when an adapter is available and the CPU
	// otherwise.
	DeviceAuto = "auto"
)

// Config selects and tunes the device and logging.
type Config struct {
	Device             string
	Workers            int
	MinGroupsPerWorker int
	InOrder            bool
	LogLevel           string
	LogFormat          string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Device:             DeviceCPU,
		MinGroupsPerWorker: 1,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Device {
	case DeviceCPU, DeviceWebGPU, DeviceAuto:
	default:
		return fmt.Errorf("config: unknown device %q", c.Device)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative, got %d", c.Workers)
	}
	if c.MinGroupsPerWorker < 1 {
		return fmt.Errorf("config: min_groups_per_worker must be at least 1, got %d", c.MinGroupsPerWorker)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return nil
}

// Job is a decoded job file: a configuration and the kernel runs to perform
// in order.
type Job struct {
	Config Config
	Runs   []*Run
	// Dir is the directory source paths are relative to.
	Dir string
}

// Run is one kernel launch of a job.
type Run struct {
	Name       string
	Source     string
	Code       string
	Kernel     string
	TotalItems int
	// GroupSize is 0 when the device picks it.
	GroupSize int
	Args      []*Arg
}

// Arg is one kernel argument of a run. Buffer arguments carry Data or a
// Length; scalar arguments carry Value.
type Arg struct {
	Name   string
	Type   buffer.DataType
	Buffer bool
	Usage  buffer.Usage
	Data   []float64
	Length int
	Value  float64
}

type jobFile struct {
	Device             *string   `hcl:"device,optional"`
	Workers            *int      `hcl:"workers,optional"`
	MinGroupsPerWorker *int      `hcl:"min_groups_per_worker,optional"`
	InOrder            *bool     `hcl:"in_order,optional"`
	LogLevel           *string   `hcl:"log_level,optional"`
	LogFormat          *string   `hcl:"log_format,optional"`
	Runs               []*hclRun `hcl:"run,block"`
}

type hclRun struct {
	Name       string    `hcl:"name,label"`
	Source     string    `hcl:"source,optional"`
	Code       string    `hcl:"code,optional"`
	Kernel     string    `hcl:"kernel"`
	TotalItems int       `hcl:"total_items"`
	GroupSize  int       `hcl:"group_size,optional"`
	Args       []*hclArg `hcl:"arg,block"`
}

type hclArg struct {
	Name   string    `hcl:"name,label"`
	Type   string    `hcl:"type"`
	Usage  string    `hcl:"usage,optional"`
	Data   cty.Value `hcl:"data,optional"`
	Length int       `hcl:"length,optional"`
	Value  cty.Value `hcl:"value,optional"`
}

// Functions returns the functions job file expressions may call.
func Functions() map[string]function.Function {
	return map[string]function.Function{
		"abs":    stdlib.AbsoluteFunc,
		"ceil":   stdlib.CeilFunc,
		"concat": stdlib.ConcatFunc,
		"floor":  stdlib.FloorFunc,
		"length": stdlib.LengthFunc,
		"max":    stdlib.MaxFunc,
		"min":    stdlib.MinFunc,
		"range":  stdlib.RangeFunc,
	}
}

// LoadFile reads and decodes the job file at path.
func LoadFile(path string) (*Job, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	job, err := Parse(path, src)
	if err != nil {
		return nil, err
	}
	job.Dir = filepath.Dir(path)
	return job, nil
}

// Parse decodes a job file held in memory. filename is used in diagnostics.
func Parse(filename string, src []byte) (*Job, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: failed to parse %s: %w", filename, diags)
	}

	evalCtx := &hcl.EvalContext{Functions: Functions()}
	var parsed jobFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("config: failed to decode %s: %w", filename, diags)
	}

	job := &Job{Config: Default(), Dir: "."}
	setIf(&job.Config.Device, parsed.Device)
	setIf(&job.Config.Workers, parsed.Workers)
	setIf(&job.Config.MinGroupsPerWorker, parsed.MinGroupsPerWorker)
	setIf(&job.Config.InOrder, parsed.InOrder)
	setIf(&job.Config.LogLevel, parsed.LogLevel)
	setIf(&job.Config.LogFormat, parsed.LogFormat)
	if err := job.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	seen := make(map[string]bool)
	for _, hr := range parsed.Runs {
		if seen[hr.Name] {
			return nil, fmt.Errorf("config: %s: run %q declared twice", filename, hr.Name)
		}
		seen[hr.Name] = true
		run, err := convertRun(hr)
		if err != nil {
			return nil, fmt.Errorf("config: %s: run %q: %w", filename, hr.Name, err)
		}
		job.Runs = append(job.Runs, run)
	}
	return job, nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func convertRun(hr *hclRun) (*Run, error) {
	if (hr.Source == "") == (hr.Code == "") {
		return nil, fmt.Errorf("exactly one of source and code must be set")
	}
	if hr.TotalItems < 1 {
		return nil, fmt.Errorf("total_items must be at least 1, got %d", hr.TotalItems)
	}
	if hr.GroupSize < 0 {
		return nil, fmt.Errorf("group_size must not be negative, got %d", hr.GroupSize)
	}
	run := &Run{
		Name:       hr.Name,
		Source:     hr.Source,
		Code:       hr.Code,
		Kernel:     hr.Kernel,
		TotalItems: hr.TotalItems,
		GroupSize:  hr.GroupSize,
	}
	for _, ha := range hr.Args {
		arg, err := convertArg(ha)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", ha.Name, err)
		}
		run.Args = append(run.Args, arg)
	}
	return run, nil
}

func convertArg(ha *hclArg) (*Arg, error) {
	dt, err := buffer.ParseDataType(ha.Type)
	if err != nil {
		return nil, err
	}
	arg := &Arg{Name: ha.Name, Type: dt}

	if !ha.Value.IsNull() {
		if !ha.Data.IsNull() || ha.Length != 0 || ha.Usage != "" {
			return nil, fmt.Errorf("a scalar takes only type and value")
		}
		if err := decodeValue(ha.Value, cty.Number, &arg.Value); err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		return arg, nil
	}

	arg.Buffer = true
	if arg.Usage, err = buffer.ParseUsage(ha.Usage); err != nil {
		return nil, err
	}
	if !ha.Data.IsNull() {
		if err := decodeValue(ha.Data, cty.List(cty.Number), &arg.Data); err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
	}
	switch {
	case ha.Length < 0:
		return nil, fmt.Errorf("length must not be negative, got %d", ha.Length)
	case ha.Data.IsNull() && ha.Length == 0:
		return nil, fmt.Errorf("a buffer needs data or a length")
	case !ha.Data.IsNull() && ha.Length != 0 && ha.Length != len(arg.Data):
		return nil, fmt.Errorf("length %d does not match %d data values", ha.Length, len(arg.Data))
	}
	arg.Length = max(ha.Length, len(arg.Data))
	return arg, nil
}

// decodeValue converts v to ty and stores it in the Go value dst points to.
func decodeValue(v cty.Value, ty cty.Type, dst any) error {
	converted, err := convert.Convert(v, ty)
	if err != nil {
		return fmt.Errorf("cannot convert %s to %s: %w", v.Type().FriendlyName(), ty.FriendlyName(), err)
	}
	return gocty.FromCtyValue(converted, dst)
}

// ReadSource returns the diagnostic name and text of the kernel program of r.
// Inline code is named after the run.
func (r *Run) ReadSource(dir string) (name, text string, err error) {
	if r.Code != "" {
		return r.Name + ".knl", r.Code, nil
	}
	path := r.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("config: run %q: %w", r.Name, err)
	}
	return filepath.Base(path), string(src), nil
}
