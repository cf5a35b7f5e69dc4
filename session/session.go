package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zhubert/inkwell-core/config"
	"github.com/zhubert/inkwell-core/kernel"
	"github.com/zhubert/inkwell-core/logger"
	"github.com/zhubert/inkwell-core/protocol"
)

// Compile-time interface satisfaction check.
var _ Settings = (*config.Config)(nil)

// Settings defines the configuration interface required by Session.
// This decouples Session from the concrete config.Config struct.
//
// *config.Config satisfies this interface implicitly.
type Settings interface {
	KernelLaunch(workspacePath string) (config.KernelSettings, error)
}

// ClientFactory creates a protocol client for a connection file.
// This allows tests to inject mock clients.
type ClientFactory func(connectionFile string) protocol.ClientInterface

// Options configures a new Session beyond what Settings supplies.
type Options struct {
	// SessionID pins the session identity. Generated when empty.
	SessionID string

	// Dir is the working directory executed code runs in. The
	// workspace's project file and per-workspace overrides are resolved
	// against it.
	Dir string

	// Prompter approves dependency installs during kernel start. When
	// nil, missing packages fail Start without prompting.
	Prompter kernel.InstallPrompter
}

// Session pairs one kernel process with one protocol connection. The
// supervisor owns the subprocess, the client owns the sockets, and the
// session sequences them: the kernel must be running before the client
// connects, and the client must be gone before the kernel stops.
//
// Kernel status broadcasts flow through the session: each busy/idle
// transition is reported to the supervisor (which uses it for stuck
// detection) before session observers see it.
type Session struct {
	id  string
	log *slog.Logger

	supervisor kernel.SupervisorInterface
	factory    ClientFactory

	// startup is executed on every freshly connected client. Set once
	// during construction.
	startup string

	mu     sync.RWMutex
	client protocol.ClientInterface

	obsMu     sync.RWMutex
	observers []func(protocol.Status)
}

// New creates a session wired to a real supervisor and real protocol
// clients, configured from cfg. The workspace's project file, if
// present, is resolved here; a malformed one fails construction.
func New(cfg Settings, opts Options) (*Session, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	launch, err := cfg.KernelLaunch(opts.Dir)
	if err != nil {
		return nil, err
	}

	sup := kernel.NewSupervisor(kernel.Config{
		SessionID:       id,
		Executable:      launch.Command,
		Args:            launch.Args,
		Env:             launch.Env,
		Dir:             opts.Dir,
		ConnectionWait:  launch.ConnectionWait,
		TermDelay:       launch.TermDelay,
		ShutdownCeiling: launch.ShutdownCeiling,
		SettleDelay:     launch.SettleDelay,
		InterruptGrace:  launch.InterruptGrace,
		Prompter:        opts.Prompter,
	})

	factory := func(connectionFile string) protocol.ClientInterface {
		return protocol.NewClient(connectionFile, protocol.Options{
			SessionID:   id,
			ExecTimeout: launch.Execution,
			Verbose:     launch.Verbose,
		})
	}

	sess := NewWithCollaborators(id, sup, factory)
	sess.startup = launch.StartupCode
	return sess, nil
}

// NewWithCollaborators creates a session over an explicit supervisor and
// client factory. This is primarily used for testing where mocks are
// needed.
func NewWithCollaborators(sessionID string, sup kernel.SupervisorInterface, factory ClientFactory) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Session{
		id:         sessionID,
		log:        logger.WithSession(sessionID).With("component", "session"),
		supervisor: sup,
		factory:    factory,
	}
}

// ID returns the session identity shared by the kernel process and the
// protocol headers.
func (s *Session) ID() string {
	return s.id
}

// Start launches the kernel and connects the protocol client to it. If
// the client cannot connect, the kernel is stopped again; a kernel
// nobody can talk to is just a stray process.
func (s *Session) Start(ctx context.Context) error {
	if err := s.supervisor.Start(ctx); err != nil {
		return err
	}

	client, err := s.connect(ctx)
	if err != nil {
		if stopErr := s.supervisor.Stop(ctx); stopErr != nil {
			s.log.Warn("failed to stop kernel after connect failure", "error", stopErr)
		}
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.log.Info("session started", "connectionFile", s.supervisor.ConnectionFile())
	return nil
}

// connect builds a client for the supervisor's current connection file,
// wires status forwarding, and connects it.
func (s *Session) connect(ctx context.Context) (protocol.ClientInterface, error) {
	client := s.factory(s.supervisor.ConnectionFile())
	client.OnStatus(s.handleStatus)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	s.runStartup(ctx, client)
	return client, nil
}

// runStartup executes the project's startup code on a freshly connected
// client and waits for it to finish. Errors are logged and do not fail
// the connect.
func (s *Session) runStartup(ctx context.Context, client protocol.ClientInterface) {
	if s.startup == "" {
		return
	}
	s.log.Info("running startup code")
	for chunk := range client.Execute(ctx, s.startup) {
		if chunk.Error != nil {
			s.log.Warn("startup code failed", "error", chunk.Error)
		} else if chunk.Type == protocol.ChunkTypeError {
			s.log.Warn("startup code raised", "content", chunk.Content)
		}
	}
}

// Execute runs code on the kernel and streams its output. Before Start
// (or after Shutdown) the returned channel carries a single
// ErrNotConnected chunk.
func (s *Session) Execute(ctx context.Context, code string) <-chan protocol.ExecChunk {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		ch := make(chan protocol.ExecChunk, 1)
		ch <- protocol.ExecChunk{Error: protocol.ErrNotConnected, Done: true}
		close(ch)
		return ch
	}
	return client.Execute(ctx, code)
}

// Interrupt asks the kernel to break out of the current execution. The
// request goes through the process control channel rather than the
// protocol sockets, so it works even while the receive loop is saturated
// with output. The supervisor arms its stuck check as a side effect.
func (s *Session) Interrupt() error {
	return s.supervisor.Interrupt()
}

// Restart tears the pairing down and builds it back up: disconnect the
// client, restart the kernel, connect a fresh client to the fresh
// connection file. The old client is gone even if the restart fails.
func (s *Session) Restart(ctx context.Context) error {
	s.dropClient()

	if err := s.supervisor.Restart(ctx); err != nil {
		return err
	}

	client, err := s.connect(ctx)
	if err != nil {
		if stopErr := s.supervisor.Stop(ctx); stopErr != nil {
			s.log.Warn("failed to stop kernel after reconnect failure", "error", stopErr)
		}
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.log.Info("session restarted")
	return nil
}

// Shutdown disconnects the protocol client and then stops the kernel, in
// that order. Disconnecting first stops the receive loop before the
// sockets' far end disappears.
func (s *Session) Shutdown(ctx context.Context) error {
	s.dropClient()
	return s.supervisor.Stop(ctx)
}

// dropClient detaches and disconnects the current client, if any.
func (s *Session) dropClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}

// OnStatus registers an observer for kernel status broadcasts. Observers
// run in registration order, after the supervisor has been told about
// the transition.
func (s *Session) OnStatus(fn func(protocol.Status)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// OnStuck registers a callback for when the kernel ignores an interrupt.
func (s *Session) OnStuck(fn func()) {
	s.supervisor.OnStuck(fn)
}

// handleStatus is the single status observer registered on every client
// the session creates. The supervisor hears about the transition first
// so stuck checks are resolved before user-facing observers run.
func (s *Session) handleStatus(state protocol.Status) {
	s.supervisor.HandleStatusChange(state == protocol.StatusBusy)

	s.obsMu.RLock()
	observers := make([]func(protocol.Status), len(s.observers))
	copy(observers, s.observers)
	s.obsMu.RUnlock()

	for _, fn := range observers {
		fn(state)
	}
}

// State returns the kernel lifecycle state.
func (s *Session) State() kernel.State {
	return s.supervisor.State()
}

// Connected reports whether the protocol client currently holds open
// sockets to the kernel.
func (s *Session) Connected() bool {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	return client != nil && client.Connected()
}

// Supervisor exposes the kernel supervisor for callers that need direct
// lifecycle control, such as executable overrides.
func (s *Session) Supervisor() kernel.SupervisorInterface {
	return s.supervisor
}
