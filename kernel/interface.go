package kernel

import "context"

// SupervisorInterface defines the contract for kernel process supervisors.
// This allows for mock implementations in tests while keeping the
// production Supervisor implementation unchanged.
type SupervisorInterface interface {
	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Interrupt() error

	// Introspection
	ConnectionFile() string
	SessionID() string
	IsRunning() bool
	State() State
	Executable() string
	SetExecutable(executable string)

	// Status and stuck detection
	HandleStatusChange(busy bool)
	CancelStuckCheck()
	OnStuck(fn func())
}

// Ensure Supervisor implements SupervisorInterface at compile time.
var _ SupervisorInterface = (*Supervisor)(nil)
