package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/born-ml/ndrange/internal/config"
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// options are the parsed command line. Overrides holds only the flags that
// were set, so a job file keeps its own settings otherwise.
type options struct {
	JobPath   string
	overrides []func(*config.Config)
}

// apply overwrites cfg with the flags given on the command line.
func (o *options) apply(cfg *config.Config) {
	for _, set := range o.overrides {
		set(cfg)
	}
}

// parseArgs processes command line arguments. It returns the options, whether
// the program should exit cleanly, or an ExitError.
func parseArgs(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("ndrange", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
ndrange - runs data-parallel kernels described by a job file.

Usage:
  ndrange [options] JOB_PATH

Arguments:
  JOB_PATH
    Path to an .hcl job file.

Options:
`)
		flagSet.PrintDefaults()
	}

	deviceFlag := flagSet.String("device", config.DeviceCPU, "Compute device. Options: 'cpu', 'webgpu' or 'auto'.")
	workersFlag := flagSet.Int("workers", 0, "Number of CPU worker goroutines. 0 uses every core.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	inOrderFlag := flagSet.Bool("in-order", false, "Run the commands of a queue one at a time.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	if flagSet.NArg() > 1 {
		return nil, false, &ExitError{Code: 2, Message: "expected a single job file"}
	}

	opts := &options{JobPath: flagSet.Arg(0)}
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			device := strings.ToLower(*deviceFlag)
			opts.overrides = append(opts.overrides, func(c *config.Config) { c.Device = device })
		case "workers":
			workers := *workersFlag
			opts.overrides = append(opts.overrides, func(c *config.Config) { c.Workers = workers })
		case "log-format":
			format := strings.ToLower(*logFormatFlag)
			opts.overrides = append(opts.overrides, func(c *config.Config) { c.LogFormat = format })
		case "log-level":
			level := strings.ToLower(*logLevelFlag)
			opts.overrides = append(opts.overrides, func(c *config.Config) { c.LogLevel = level })
		case "in-order":
			inOrder := *inOrderFlag
			opts.overrides = append(opts.overrides, func(c *config.Config) { c.InOrder = inOrder })
		}
	})

	// Validate the flags alone so a bad flag is a usage error.
	check := config.Default()
	opts.apply(&check)
	if err := check.Validate(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return opts, false, nil
}
