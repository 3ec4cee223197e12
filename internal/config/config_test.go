package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/internal/buffer"
)

const roundJob = `
device  = "cpu"
workers = 4

run "round" {
  source      = "mod_round.knl"
  kernel      = "mod_round"
  total_items = 1
  group_size  = 1

  arg "input" {
    type  = "float32"
    usage = "read_only"
    data  = [-6.5, -3.5, 3.5, 6.5]
  }
  arg "rint_out" {
    type   = "float32"
    usage  = "write_only"
    length = 4
  }
  arg "scale" {
    type  = "float32"
    value = 5
  }
}

run "ramp" {
  code        = "func ramp(out []int32) { out[get_global_id(0)] = 1 }"
  kernel      = "ramp"
  total_items = 8

  arg "out" {
    type = "int32"
    data = concat(range(0, 4), [max(7, 9), min(3, 2), length([1, 2]), abs(-1)])
  }
}
`

func TestParse_Job(t *testing.T) {
	job, err := Parse("round.hcl", []byte(roundJob))
	require.NoError(t, err)

	assert.Equal(t, Config{
		Device:             DeviceCPU,
		Workers:            4,
		MinGroupsPerWorker: 1,
		LogLevel:           "info",
		LogFormat:          "text",
	}, job.Config)
	require.Len(t, job.Runs, 2)

	round := job.Runs[0]
	assert.Equal(t, "round", round.Name)
	assert.Equal(t, "mod_round.knl", round.Source)
	assert.Equal(t, "mod_round", round.Kernel)
	assert.Equal(t, 1, round.TotalItems)
	assert.Equal(t, 1, round.GroupSize)
	require.Len(t, round.Args, 3)
	assert.Equal(t, &Arg{
		Name: "input", Type: buffer.Float32, Buffer: true, Usage: buffer.ReadOnly,
		Data: []float64{-6.5, -3.5, 3.5, 6.5}, Length: 4,
	}, round.Args[0])
	assert.Equal(t, &Arg{
		Name: "rint_out", Type: buffer.Float32, Buffer: true, Usage: buffer.WriteOnly, Length: 4,
	}, round.Args[1])
	assert.Equal(t, &Arg{Name: "scale", Type: buffer.Float32, Value: 5}, round.Args[2])

	ramp := job.Runs[1]
	assert.Zero(t, ramp.GroupSize)
	assert.Equal(t, []float64{0, 1, 2, 3, 9, 2, 2, 1}, ramp.Args[0].Data)
	assert.Equal(t, buffer.ReadWrite, ramp.Args[0].Usage)

	name, text, err := ramp.ReadSource("/nowhere")
	require.NoError(t, err)
	assert.Equal(t, "ramp.knl", name)
	assert.Contains(t, text, "func ramp")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{
			name: "syntax",
			src:  `device = `,
			msg:  "failed to parse",
		},
		{
			name: "unknown device",
			src:  `device = "fpga"`,
			msg:  `unknown device "fpga"`,
		},
		{
			name: "log format",
			src:  `log_format = "xml"`,
			msg:  `unknown log format "xml"`,
		},
		{
			name: "source and code",
			src:  "run \"r\" {\n  source = \"a.knl\"\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n}",
			msg:  "exactly one of source and code",
		},
		{
			name: "no items",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 0\n}",
			msg:  "total_items must be at least 1",
		},
		{
			name: "duplicate run",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n}\nrun \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n}",
			msg:  `run "r" declared twice`,
		},
		{
			name: "buffer without size",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n  arg \"a\" {\n    type = \"f32\"\n  }\n}",
			msg:  "a buffer needs data or a length",
		},
		{
			name: "length mismatch",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n  arg \"a\" {\n    type = \"f32\"\n    data = [1, 2]\n    length = 3\n  }\n}",
			msg:  "length 3 does not match 2 data values",
		},
		{
			name: "scalar with usage",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n  arg \"a\" {\n    type = \"f32\"\n    usage = \"rw\"\n    value = 1\n  }\n}",
			msg:  "a scalar takes only type and value",
		},
		{
			name: "bad type",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n  arg \"a\" {\n    type = \"complex\"\n    length = 1\n  }\n}",
			msg:  `unknown data type "complex"`,
		},
		{
			name: "non numeric data",
			src:  "run \"r\" {\n  code = \"x\"\n  kernel = \"k\"\n  total_items = 1\n  arg \"a\" {\n    type = \"f32\"\n    data = [\"x\"]\n  }\n}",
			msg:  "data: cannot convert",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("job.hcl", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadFile_ResolvesSources(t *testing.T) {
	dir := t.TempDir()
	kernel := "func k(out []float32) { out[get_global_id(0)] = 1 }"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.knl"), []byte(kernel), 0o600))
	job := "run \"r\" {\n  source = \"k.knl\"\n  kernel = \"k\"\n  total_items = 1\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.hcl"), []byte(job), 0o600))

	loaded, err := LoadFile(filepath.Join(dir, "job.hcl"))
	require.NoError(t, err)
	assert.Equal(t, dir, loaded.Dir)

	name, text, err := loaded.Runs[0].ReadSource(loaded.Dir)
	require.NoError(t, err)
	assert.Equal(t, "k.knl", name)
	assert.Equal(t, kernel, text)

	loaded.Runs[0].Source = "missing.knl"
	_, _, err = loaded.Runs[0].ReadSource(loaded.Dir)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "absent.hcl"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Default().Validate())

	c := Default()
	c.Workers = -1
	assert.Error(t, c.Validate())

	c = Default()
	c.MinGroupsPerWorker = 0
	assert.Error(t, c.Validate())

	c = Default()
	c.LogLevel = "trace"
	assert.Error(t, c.Validate())

	c = Default()
	c.Device = DeviceAuto
	assert.NoError(t, c.Validate())
}
