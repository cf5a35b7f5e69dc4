package protocol

import "context"

// ClientInterface defines the contract for kernel protocol clients.
// This allows for mock implementations in tests while keeping the
// production Client implementation unchanged.
type ClientInterface interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Connected() bool
	Descriptor() *ConnectionDescriptor
	Disconnect()

	// Execution
	Execute(ctx context.Context, code string) <-chan ExecChunk
	Interrupt() error

	// Status stream
	OnStatus(fn func(Status))
	IsBusy() bool
}

// Ensure Client implements ClientInterface at compile time.
var _ ClientInterface = (*Client)(nil)
