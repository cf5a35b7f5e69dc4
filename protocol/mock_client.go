package protocol

import (
	"context"
	"sync"
)

// MockClient is a test double for Client that doesn't open sockets.
// Tests queue chunks to be streamed by Execute, drive status transitions
// directly, and verify the code and interrupts sent to the kernel.
type MockClient struct {
	mu sync.RWMutex

	connected  bool
	busy       bool
	descriptor *ConnectionDescriptor

	// Chunk queue - drained by the next Execute call
	execQueue []ExecChunk

	observers []func(Status)

	// Errors to return from the corresponding operations
	ConnectErr   error
	InterruptErr error

	// Callbacks for test assertions
	OnExecute    func(code string)
	OnInterrupt  func()
	OnDisconnect func()

	executed   []string
	interrupts int
}

// NewMockClient creates a mock client for testing.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// QueueChunks queues output chunks to be streamed by the next Execute call.
func (m *MockClient) QueueChunks(chunks ...ExecChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execQueue = append(m.execQueue, chunks...)
}

// SetDescriptor sets the descriptor returned by Descriptor.
func (m *MockClient) SetDescriptor(desc *ConnectionDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.descriptor = desc
}

// SimulateStatus drives a status broadcast to every registered observer.
func (m *MockClient) SimulateStatus(state Status) {
	m.mu.Lock()
	m.busy = state == StatusBusy
	observers := make([]func(Status), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// ExecutedCode returns the code bodies passed to Execute, in order.
func (m *MockClient) ExecutedCode() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code := make([]string, len(m.executed))
	copy(code, m.executed)
	return code
}

// InterruptCount returns how many times Interrupt was called.
func (m *MockClient) InterruptCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interrupts
}

// Connect implements ClientInterface.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// Connected implements ClientInterface.
func (m *MockClient) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Descriptor implements ClientInterface.
func (m *MockClient) Descriptor() *ConnectionDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.descriptor
}

// Execute implements ClientInterface. Queued chunks are streamed in order,
// followed by a Done chunk unless the queue already ends with one.
func (m *MockClient) Execute(ctx context.Context, code string) <-chan ExecChunk {
	ch := make(chan ExecChunk, execChannelBuffer)

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		ch <- ExecChunk{Error: ErrNotConnected, Done: true}
		close(ch)
		return ch
	}
	m.executed = append(m.executed, code)
	onExecute := m.OnExecute
	queue := m.execQueue
	m.execQueue = nil
	m.mu.Unlock()

	if onExecute != nil {
		onExecute(code)
	}

	go func() {
		sawDone := false
		for _, chunk := range queue {
			select {
			case <-ctx.Done():
				ch <- ExecChunk{Error: ctx.Err(), Done: true}
				close(ch)
				return
			default:
			}
			ch <- chunk
			if chunk.Done {
				sawDone = true
				break
			}
		}
		if !sawDone {
			ch <- ExecChunk{Done: true}
		}
		close(ch)
	}()

	return ch
}

// Interrupt implements ClientInterface.
func (m *MockClient) Interrupt() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.InterruptErr != nil {
		err := m.InterruptErr
		m.mu.Unlock()
		return err
	}
	m.interrupts++
	onInterrupt := m.OnInterrupt
	m.mu.Unlock()

	if onInterrupt != nil {
		onInterrupt()
	}
	return nil
}

// OnStatus implements ClientInterface.
func (m *MockClient) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// IsBusy implements ClientInterface.
func (m *MockClient) IsBusy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy
}

// Disconnect implements ClientInterface.
func (m *MockClient) Disconnect() {
	m.mu.Lock()
	m.connected = false
	onDisconnect := m.OnDisconnect
	m.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect()
	}
}

// Ensure MockClient implements ClientInterface at compile time.
var _ ClientInterface = (*MockClient)(nil)
