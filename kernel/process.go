package kernel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/zhubert/inkwell-core/process"
)

// readResult holds the result of a pipe read for cancellation handling.
type readResult struct {
	line string
	err  error
}

// processCallbacks are invoked from the kernelProcess's internal
// goroutines. Implementations must be safe for concurrent use and should
// not block.
type processCallbacks struct {
	// onStdoutLine is called for each stdout line, newline stripped.
	onStdoutLine func(line string)

	// onStderrLine is called for each stderr line, newline stripped.
	// Lines are also captured internally for exit diagnostics.
	onStderrLine func(line string)

	// onExit is called exactly once when the process exits, after both
	// pipes have been drained. err is the Wait result; stderr is
	// everything the process wrote there.
	onExit func(err error, stderr string)
}

// kernelProcess owns one kernel wrapper subprocess: its pipes, reader
// goroutines, and exit monitoring. The Supervisor decides policy; this
// type only moves bytes and signals.
type kernelProcess struct {
	log *slog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      *bufio.Reader
	stderr      *bufio.Reader
	stderrLines []string
	running     bool

	callbacks processCallbacks

	// waitDone is closed by monitorExit once cmd.Wait() has completed and
	// both pipes are drained, with exitErr set first. monitorExit is the
	// sole caller of cmd.Wait(); shutdown paths select on this channel
	// instead of calling Wait again.
	waitDone chan struct{}
	exitErr  error

	stdoutDone chan struct{}
	stderrDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startKernelProcess spawns the kernel launcher with explicit pipes and
// starts the reader and exit-monitor goroutines. The environment is
// inherited, with PYTHONUNBUFFERED set so output arrives as it is written.
func startKernelProcess(executable string, args []string, dir string, env []string, callbacks processCallbacks, log *slog.Logger) (*kernelProcess, error) {
	log.Debug("spawning kernel", "command", executable+" "+strings.Join(args, " "))

	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "PYTHONUNBUFFERED=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start kernel process: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &kernelProcess{
		log:        log,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		stderr:     bufio.NewReader(stderr),
		running:    true,
		callbacks:  callbacks,
		waitDone:   make(chan struct{}),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	log.Info("kernel process started", "pid", cmd.Process.Pid)

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		defer close(p.stdoutDone)
		p.readPipe(p.stdout, "stdout", callbacks.onStdoutLine)
	}()
	go func() {
		defer p.wg.Done()
		defer close(p.stderrDone)
		p.readPipe(p.stderr, "stderr", p.captureStderrLine)
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit()
	}()

	return p, nil
}

// readPipe reads lines until EOF or cancellation, invoking onLine for each
// complete line with the trailing newline stripped.
func (p *kernelProcess) readPipe(reader *bufio.Reader, name string, onLine func(string)) {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		line, err := p.readLine(reader)
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
			}
			if err == io.EOF {
				p.log.Debug("pipe closed", "pipe", name)
			} else {
				p.log.Debug("pipe read error", "pipe", name, "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}
}

// readLine reads one line, or returns early on cancellation. The inner
// goroutine cannot itself be cancelled (blocking I/O); the buffered channel
// lets it finish its send after we have returned, and the pipe closing on
// process exit unblocks the read.
func (p *kernelProcess) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// captureStderrLine records a stderr line for exit diagnostics and forwards
// it to the stderr callback.
func (p *kernelProcess) captureStderrLine(line string) {
	p.mu.Lock()
	p.stderrLines = append(p.stderrLines, line)
	p.mu.Unlock()

	if p.callbacks.onStderrLine != nil {
		p.callbacks.onStderrLine(line)
	}
}

// monitorExit reaps the process and reports its exit. Wait closes the
// parent pipe ends once the process is gone, so the readers finish even
// when an orphaned kernel child still holds the write side; waiting for
// them before reporting keeps the captured stderr complete.
func (p *kernelProcess) monitorExit() {
	err := p.cmd.Wait()
	p.log.Debug("kernel process exited", "error", err)

	<-p.stdoutDone
	<-p.stderrDone

	p.mu.Lock()
	p.exitErr = err
	p.running = false
	cb := p.callbacks.onExit
	p.mu.Unlock()

	close(p.waitDone)

	if cb != nil {
		cb(err, p.stderrText())
	}
}

// writeLine writes one control token line to the wrapper's stdin.
func (p *kernelProcess) writeLine(token string) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("kernel process not running")
	}
	if _, err := io.WriteString(stdin, token+"\n"); err != nil {
		return fmt.Errorf("failed to write to kernel stdin: %v", err)
	}
	return nil
}

// pid returns the process id, or 0 when the process is gone.
func (p *kernelProcess) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// terminate sends the platform's terminate signal.
func (p *kernelProcess) terminate() {
	if pid := p.pid(); pid > 0 {
		if err := process.Terminate(pid); err != nil {
			p.log.Debug("terminate failed", "pid", pid, "error", err)
		}
	}
}

// kill ends the process immediately.
func (p *kernelProcess) kill() {
	if pid := p.pid(); pid > 0 {
		if err := process.KillProcess(pid); err != nil {
			p.log.Debug("kill failed", "pid", pid, "error", err)
		}
	}
}

// release stops the reader goroutines and closes stdin. Callers ensure the
// process has exited or been killed first; release itself does not wait.
func (p *kernelProcess) release() {
	p.cancel()

	p.mu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.running = false
	p.mu.Unlock()
}

// await blocks until all internal goroutines have finished.
func (p *kernelProcess) await() {
	p.wg.Wait()
}

// stderrText returns everything the process has written to stderr.
func (p *kernelProcess) stderrText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderrLines, "\n")
}
