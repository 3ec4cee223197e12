package runtime

import "errors"

var (
	// ErrUnknownEntryPoint is returned when a program has no entry point of
	// the requested name.
	ErrUnknownEntryPoint = errors.New("unknown entry point")

	// ErrBusyKernel is returned when rebinding a kernel while a submission
	// of it has not settled.
	ErrBusyKernel = errors.New("kernel busy")

	// ErrUnsupportedConfiguration is returned for a workspace the device
	// cannot run.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrArgumentMismatch is returned when arguments do not match the
	// parameters of an entry point.
	ErrArgumentMismatch = errors.New("argument mismatch")

	// ErrClosed is returned when using a closed context or one of its queues.
	ErrClosed = errors.New("context closed")
)
