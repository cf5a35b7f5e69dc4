package protocol

import "errors"

// Error kinds callers can match with errors.Is. Descriptor errors are
// wrapped with detail about the offending field; the rest are returned
// as-is or wrapped by the failing operation.
var (
	// ErrDescriptorRead means the connection file could not be read.
	ErrDescriptorRead = errors.New("connection file unreadable")

	// ErrDescriptorParse means the connection file is not valid JSON.
	ErrDescriptorParse = errors.New("connection file is not valid JSON")

	// ErrDescriptorInvalid means a required field is missing or a port is
	// out of range. Rejected before any socket is opened.
	ErrDescriptorInvalid = errors.New("connection file invalid")

	// ErrNotConnected is returned by operations on a client that never
	// connected or has disconnected.
	ErrNotConnected = errors.New("not connected to kernel")

	// ErrExecuteTimeout is returned when no idle broadcast correlated to an
	// execute request arrives within the execution timeout.
	ErrExecuteTimeout = errors.New("timed out waiting for execution to complete")
)
