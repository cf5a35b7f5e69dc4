package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/inkwell-core/config"
	"github.com/zhubert/inkwell-core/exec"
	"github.com/zhubert/inkwell-core/logger"
)

// State describes the kernel lifecycle.
type State int

const (
	// StateStopped means no kernel process exists.
	StateStopped State = iota
	// StateStarting means the process is spawned but has not yet published
	// its connection file.
	StateStarting
	// StateRunning means the kernel is ready and idle.
	StateRunning
	// StateBusy means the kernel is executing code.
	StateBusy
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Control tokens written to the wrapper's stdin, and the acknowledgments it
// prints on stdout.
const (
	interruptToken = "INTERRUPT"
	shutdownToken  = "SHUTDOWN"

	interruptAck         = "INTERRUPT_ACK"
	shutdownAck          = "SHUTDOWN_ACK"
	interruptErrorPrefix = "INTERRUPT_ERROR:"
)

var (
	// connFileRe matches an absolute path ending in .json in wrapper
	// output. The wrapper prints the connection file path alone on a line
	// once the kernel is up, but some environments wrap it in quotes or
	// prefix it with log noise.
	connFileRe = regexp.MustCompile(`(?:[A-Za-z]:[\\/]|/)[^\s"']*\.json`)

	// missingModuleRe extracts the module name from a Python import
	// failure in stderr.
	missingModuleRe = regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`)
)

// Config configures a Supervisor.
type Config struct {
	// SessionID identifies this kernel session. Generated when empty.
	SessionID string

	// Executable is the interpreter used to run the kernel launcher.
	// Defaults to config.DefaultExecutable.
	Executable string

	// Args are extra interpreter flags, placed before the bootstrap
	// script on the command line.
	Args []string

	// Env are extra environment entries for the kernel process.
	Env []string

	// Dir is the kernel's working directory. Inherited when empty.
	Dir string

	// Lifecycle delays. Zero values use the config package defaults.
	ConnectionWait  time.Duration
	TermDelay       time.Duration
	ShutdownCeiling time.Duration
	SettleDelay     time.Duration
	InterruptGrace  time.Duration

	// Executor runs dependency probes and installs. Defaults to the
	// process-wide executor.
	Executor exec.CommandExecutor

	// Prompter is consulted when required packages are missing. When nil,
	// missing packages fail Start without prompting.
	Prompter InstallPrompter
}

// exitEvent carries a premature process exit into the start sequence.
type exitEvent struct {
	err    error
	stderr string
}

// Supervisor owns the kernel wrapper process for one session: starting it,
// discovering its connection file, relaying control tokens, and tearing it
// down in stages. It does not speak the wire protocol; that is the
// protocol package's job.
type Supervisor struct {
	cfg      Config
	executor exec.CommandExecutor
	prompter InstallPrompter
	log      *slog.Logger

	// opMu serializes Start, Stop, and Restart so their multi-step
	// sequences cannot interleave.
	opMu sync.Mutex

	mu             sync.RWMutex
	state          State
	executable     string
	proc           *kernelProcess
	connectionFile string

	// generation increments on every start. Callbacks from a previous
	// process carry the old generation and are ignored.
	generation int

	// readyCh is non-nil while a start is waiting for the connection
	// file; closed by the first line that carries one.
	readyCh chan struct{}

	// startExit is non-nil while a start is in flight; a premature exit
	// is delivered here instead of being treated as a crash.
	startExit chan exitEvent

	// stopping suppresses exit handling while a stop sequence is
	// deliberately ending the process.
	stopping bool

	stuckTimer *time.Timer
	onStuck    func()

	connectionWait  time.Duration
	termDelay       time.Duration
	shutdownCeiling time.Duration
	settleDelay     time.Duration
	interruptGrace  time.Duration
}

// NewSupervisor creates a supervisor for one kernel session.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}

	executable := cfg.Executable
	if executable == "" {
		executable = config.DefaultExecutable
	}

	executor := cfg.Executor
	if executor == nil {
		executor = exec.GetDefaultExecutor()
	}

	return &Supervisor{
		cfg:             cfg,
		executor:        executor,
		prompter:        cfg.Prompter,
		log:             logger.WithSession(cfg.SessionID).With("component", "kernel"),
		executable:      executable,
		connectionWait:  durationOrDefault(cfg.ConnectionWait, config.DefaultConnectionWaitSec),
		termDelay:       durationOrDefault(cfg.TermDelay, config.DefaultTermDelaySec),
		shutdownCeiling: durationOrDefault(cfg.ShutdownCeiling, config.DefaultShutdownCeilingSec),
		settleDelay:     durationOrDefault(cfg.SettleDelay, config.DefaultSettleDelaySec),
		interruptGrace:  durationOrDefault(cfg.InterruptGrace, config.DefaultInterruptGraceSec),
	}
}

func durationOrDefault(d time.Duration, defSec int) time.Duration {
	if d > 0 {
		return d
	}
	return time.Duration(defSec) * time.Second
}

// Start verifies dependencies, spawns the kernel wrapper, and waits for it
// to publish its connection file. Returns ErrStartTimeout if the file never
// appears, or an ExitError if the process dies first.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		s.log.Warn("start requested but kernel is already running")
		return nil
	}
	s.state = StateStarting
	s.generation++
	gen := s.generation
	s.readyCh = make(chan struct{})
	s.startExit = make(chan exitEvent, 1)
	s.connectionFile = ""
	readyCh := s.readyCh
	exitCh := s.startExit
	executable := s.executable
	s.mu.Unlock()

	fail := func() {
		s.mu.Lock()
		s.state = StateStopped
		s.readyCh = nil
		s.startExit = nil
		s.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		fail()
		return err
	}

	if err := s.verifyDependencies(ctx, executable); err != nil {
		fail()
		return err
	}

	scriptPath, err := writeBootstrap()
	if err != nil {
		fail()
		return err
	}

	args := BuildKernelArgs(s.cfg, scriptPath, filepath.Dir(scriptPath))

	s.log.Info("starting kernel", "executable", executable)

	callbacks := processCallbacks{
		onStdoutLine: func(line string) { s.handleStdoutLine(gen, line) },
		onStderrLine: func(line string) { s.handleStderrLine(gen, line) },
		onExit:       func(err error, stderr string) { s.handleProcessExit(gen, err, stderr) },
	}

	proc, err := startKernelProcess(executable, args, s.cfg.Dir, s.cfg.Env, callbacks, s.log)
	if err != nil {
		fail()
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	timer := time.NewTimer(s.connectionWait)
	defer timer.Stop()

	select {
	case <-readyCh:
		s.mu.Lock()
		s.state = StateRunning
		s.startExit = nil
		file := s.connectionFile
		s.mu.Unlock()
		s.log.Info("kernel ready", "connection_file", file)
		return nil
	case ev := <-exitCh:
		s.abortStart(proc)
		return s.classifyExit(ev.err, ev.stderr)
	case <-timer.C:
		s.abortStart(proc)
		return fmt.Errorf("%w after %s", ErrStartTimeout, s.connectionWait)
	case <-ctx.Done():
		s.abortStart(proc)
		return ctx.Err()
	}
}

// abortStart tears down a process that failed to become ready and resets
// the supervisor to stopped.
func (s *Supervisor) abortStart(proc *kernelProcess) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	proc.kill()
	proc.release()
	proc.await()

	s.mu.Lock()
	s.proc = nil
	s.connectionFile = ""
	s.state = StateStopped
	s.readyCh = nil
	s.startExit = nil
	s.stopping = false
	s.mu.Unlock()
}

// handleStdoutLine processes one wrapper stdout line. Control
// acknowledgments are recognized first; everything else is scanned for the
// connection file path.
func (s *Supervisor) handleStdoutLine(gen int, line string) {
	s.mu.RLock()
	stale := gen != s.generation
	s.mu.RUnlock()
	if stale {
		return
	}

	switch {
	case line == interruptAck:
		s.log.Debug("kernel acknowledged interrupt")
		return
	case line == shutdownAck:
		s.log.Debug("kernel acknowledged shutdown")
		return
	case strings.HasPrefix(line, interruptErrorPrefix):
		s.log.Warn("kernel interrupt failed", "error", strings.TrimSpace(strings.TrimPrefix(line, interruptErrorPrefix)))
		return
	}

	s.log.Debug("kernel stdout", "line", line)
	s.markReady(gen, line)
}

// handleStderrLine processes one wrapper stderr line. Jupyter machinery
// logs its startup banner there, and some environments announce the
// connection path on stderr, so it is scanned for readiness too.
func (s *Supervisor) handleStderrLine(gen int, line string) {
	s.mu.RLock()
	stale := gen != s.generation
	s.mu.RUnlock()
	if stale {
		return
	}

	s.log.Debug("kernel stderr", "line", line)
	s.markReady(gen, line)
}

// markReady records the connection file if line carries one. Only the
// first match during a start counts; later .json paths in kernel output
// are ignored.
func (s *Supervisor) markReady(gen int, line string) {
	match := connFileRe.FindString(line)
	if match == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.readyCh == nil || s.connectionFile != "" {
		return
	}
	s.connectionFile = match
	close(s.readyCh)
	s.readyCh = nil
}

// handleProcessExit reacts to the wrapper process dying. During a start the
// exit feeds into the start sequence; during a stop it is expected; after
// ready it means the kernel crashed.
func (s *Supervisor) handleProcessExit(gen int, err error, stderr string) {
	s.mu.Lock()
	if gen != s.generation || s.stopping {
		s.mu.Unlock()
		return
	}
	if s.startExit != nil {
		exitCh := s.startExit
		s.mu.Unlock()
		select {
		case exitCh <- exitEvent{err: err, stderr: stderr}:
		default:
		}
		return
	}
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}

	s.proc = nil
	s.connectionFile = ""
	s.state = StateStopped
	s.stopStuckTimerLocked()
	s.mu.Unlock()

	s.log.Warn("kernel process died unexpectedly", "error", err, "stderr", stderr)
}

// classifyExit turns a premature exit into an ExitError, recognizing
// missing Python packages from the import failure in stderr.
func (s *Supervisor) classifyExit(waitErr error, stderr string) error {
	exitErr := &ExitError{Err: ErrProcessExit, WaitErr: waitErr, Stderr: stderr}
	if m := missingModuleRe.FindStringSubmatch(stderr); m != nil {
		exitErr.Err = ErrDependencyMissing
		exitErr.MissingModule = m[1]
	}
	return exitErr
}

// Stop shuts the kernel down in stages: a cooperative shutdown request
// first, the terminate signal if the process lingers past the term delay,
// and a hard kill at the ceiling.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopStaged(ctx)
}

func (s *Supervisor) stopStaged(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil {
		s.mu.Unlock()
		s.log.Warn("stop requested but no kernel is running")
		return nil
	}
	s.stopping = true
	s.stopStuckTimerLocked()
	s.mu.Unlock()

	s.log.Info("stopping kernel", "pid", proc.pid())

	if err := proc.writeLine(shutdownToken); err != nil {
		s.log.Debug("shutdown request not delivered", "error", err)
	}

	termTimer := time.NewTimer(s.termDelay)
	defer termTimer.Stop()
	ceilingTimer := time.NewTimer(s.shutdownCeiling)
	defer ceilingTimer.Stop()

	reaped := false
wait:
	for {
		select {
		case <-proc.waitDone:
			reaped = true
			break wait
		case <-termTimer.C:
			s.log.Warn("kernel still running after shutdown request, terminating", "pid", proc.pid())
			proc.terminate()
		case <-ceilingTimer.C:
			s.log.Warn("kernel still running at shutdown ceiling, killing", "pid", proc.pid())
			proc.kill()
			break wait
		case <-ctx.Done():
			s.log.Warn("stop cancelled before kernel exited, killing", "pid", proc.pid())
			proc.kill()
			break wait
		}
	}

	proc.release()
	if reaped {
		proc.await()
	}

	s.mu.Lock()
	s.proc = nil
	s.connectionFile = ""
	s.state = StateStopped
	s.readyCh = nil
	s.startExit = nil
	s.stopping = false
	s.mu.Unlock()

	s.log.Info("kernel stopped")
	return nil
}

// Restart stops the kernel, waits for the settle delay so the old process
// can release its ports, and starts a fresh one.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.log.Info("restarting kernel")
	if err := s.stopStaged(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(s.settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.startLocked(ctx)
}

// Interrupt asks the wrapper to interrupt the kernel. Fire and forget: the
// wrapper acknowledges on stdout, and a stuck check is armed so a kernel
// that stays busy past the grace window gets reported.
func (s *Supervisor) Interrupt() error {
	s.mu.RLock()
	proc := s.proc
	s.mu.RUnlock()

	if proc == nil {
		return ErrNotRunning
	}

	s.log.Info("interrupting kernel")
	if err := proc.writeLine(interruptToken); err != nil {
		return fmt.Errorf("failed to send interrupt: %v", err)
	}

	s.scheduleStuckCheck(s.interruptGrace)
	return nil
}

// scheduleStuckCheck arms a timer that reports the kernel as stuck if it
// is still busy when the grace window ends. A new interrupt replaces any
// pending check.
func (s *Supervisor) scheduleStuckCheck(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopStuckTimerLocked()
	s.stuckTimer = time.AfterFunc(grace, s.stuckCheck)
}

func (s *Supervisor) stuckCheck() {
	s.mu.Lock()
	stuck := s.state == StateBusy
	s.stuckTimer = nil
	onStuck := s.onStuck
	s.mu.Unlock()

	if !stuck {
		return
	}

	s.log.Warn("kernel still busy after interrupt grace, may be stuck")
	if onStuck != nil {
		onStuck()
	}
}

// CancelStuckCheck drops any pending stuck check, typically because the
// kernel went idle or is being shut down.
func (s *Supervisor) CancelStuckCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopStuckTimerLocked()
}

// stopStuckTimerLocked stops any pending stuck check. Caller holds mu.
func (s *Supervisor) stopStuckTimerLocked() {
	if s.stuckTimer != nil {
		s.stuckTimer.Stop()
		s.stuckTimer = nil
	}
}

// OnStuck registers a callback invoked when the kernel remains busy past
// the interrupt grace window. The callback runs on a timer goroutine and
// must not call back into the supervisor while blocking.
func (s *Supervisor) OnStuck(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStuck = fn
}

// HandleStatusChange folds kernel execution status into the lifecycle
// state. Busy and idle reports arrive from the protocol layer's status
// messages. An idle report cancels any pending stuck check, since the
// interrupt evidently worked.
func (s *Supervisor) HandleStatusChange(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return
	}
	if busy {
		s.state = StateBusy
		return
	}
	s.state = StateRunning
	s.stopStuckTimerLocked()
}

// ConnectionFile returns the path the kernel published at startup, or ""
// when no kernel is running.
func (s *Supervisor) ConnectionFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionFile
}

// SessionID returns the session identifier for this supervisor.
func (s *Supervisor) SessionID() string {
	return s.cfg.SessionID
}

// IsRunning reports whether a kernel process exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state != StateStopped
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Executable returns the interpreter used to launch the kernel.
func (s *Supervisor) Executable() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executable
}

// SetExecutable changes the interpreter for subsequent starts.
func (s *Supervisor) SetExecutable(executable string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if executable == "" {
		executable = config.DefaultExecutable
	}
	s.executable = executable
}
