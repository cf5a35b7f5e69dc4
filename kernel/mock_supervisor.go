package kernel

import (
	"context"
	"sync"

	"github.com/zhubert/inkwell-core/config"
)

// MockSupervisor is a test double for Supervisor that doesn't spawn
// processes. Tests preset the connection file published by Start, drive
// status changes and stuck callbacks, and verify lifecycle calls.
type MockSupervisor struct {
	mu sync.RWMutex

	state          State
	sessionID      string
	executable     string
	connectionFile string

	// pendingFile is published as the connection file by the next Start
	// or Restart.
	pendingFile string

	// Errors to return from the corresponding operations
	StartErr     error
	StopErr      error
	RestartErr   error
	InterruptErr error

	// Callbacks for test assertions
	OnStop func()

	starts      int
	stops       int
	restarts    int
	interrupts  int
	cancelCalls int

	statusChanges []bool

	onStuck func()
}

// NewMockSupervisor creates a mock supervisor for testing.
func NewMockSupervisor(sessionID string) *MockSupervisor {
	return &MockSupervisor{
		sessionID:  sessionID,
		executable: config.DefaultExecutable,
	}
}

// SetPendingConnectionFile sets the path published by the next Start.
func (m *MockSupervisor) SetPendingConnectionFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingFile = path
}

// SimulateStuck invokes the registered stuck callback, as the real
// supervisor does when the kernel stays busy past the interrupt grace.
func (m *MockSupervisor) SimulateStuck() {
	m.mu.RLock()
	onStuck := m.onStuck
	m.mu.RUnlock()
	if onStuck != nil {
		onStuck()
	}
}

// SimulateDeath resets the mock to stopped, as the real supervisor does
// when the kernel process dies unexpectedly.
func (m *MockSupervisor) SimulateDeath() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateStopped
	m.connectionFile = ""
}

// Start implements SupervisorInterface.
func (m *MockSupervisor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.starts++
	m.state = StateRunning
	m.connectionFile = m.pendingFile
	return nil
}

// Stop implements SupervisorInterface.
func (m *MockSupervisor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.StopErr != nil {
		m.mu.Unlock()
		return m.StopErr
	}
	m.stops++
	m.state = StateStopped
	m.connectionFile = ""
	onStop := m.OnStop
	m.mu.Unlock()

	if onStop != nil {
		onStop()
	}
	return nil
}

// Restart implements SupervisorInterface.
func (m *MockSupervisor) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RestartErr != nil {
		return m.RestartErr
	}
	m.restarts++
	m.state = StateRunning
	m.connectionFile = m.pendingFile
	return nil
}

// Interrupt implements SupervisorInterface.
func (m *MockSupervisor) Interrupt() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return ErrNotRunning
	}
	if m.InterruptErr != nil {
		return m.InterruptErr
	}
	m.interrupts++
	return nil
}

// ConnectionFile implements SupervisorInterface.
func (m *MockSupervisor) ConnectionFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionFile
}

// SessionID implements SupervisorInterface.
func (m *MockSupervisor) SessionID() string {
	return m.sessionID
}

// IsRunning implements SupervisorInterface.
func (m *MockSupervisor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != StateStopped
}

// State implements SupervisorInterface.
func (m *MockSupervisor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Executable implements SupervisorInterface.
func (m *MockSupervisor) Executable() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.executable
}

// SetExecutable implements SupervisorInterface.
func (m *MockSupervisor) SetExecutable(executable string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executable = executable
}

// HandleStatusChange implements SupervisorInterface.
func (m *MockSupervisor) HandleStatusChange(busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusChanges = append(m.statusChanges, busy)
	if m.state == StateStopped {
		return
	}
	if busy {
		m.state = StateBusy
	} else {
		m.state = StateRunning
	}
}

// CancelStuckCheck implements SupervisorInterface.
func (m *MockSupervisor) CancelStuckCheck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
}

// OnStuck implements SupervisorInterface.
func (m *MockSupervisor) OnStuck(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStuck = fn
}

// StartCount returns how many times Start succeeded.
func (m *MockSupervisor) StartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starts
}

// StopCount returns how many times Stop succeeded.
func (m *MockSupervisor) StopCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stops
}

// RestartCount returns how many times Restart succeeded.
func (m *MockSupervisor) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restarts
}

// InterruptCount returns how many times Interrupt succeeded.
func (m *MockSupervisor) InterruptCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interrupts
}

// CancelCount returns how many times CancelStuckCheck was called.
func (m *MockSupervisor) CancelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelCalls
}

// StatusChanges returns the busy flags passed to HandleStatusChange,
// in order.
func (m *MockSupervisor) StatusChanges() []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	changes := make([]bool, len(m.statusChanges))
	copy(changes, m.statusChanges)
	return changes
}

// Ensure MockSupervisor implements SupervisorInterface at compile time.
var _ SupervisorInterface = (*MockSupervisor)(nil)
