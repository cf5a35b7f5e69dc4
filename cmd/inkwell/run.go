package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/inkwell-core/config"
	"github.com/zhubert/inkwell-core/kernel"
	"github.com/zhubert/inkwell-core/logger"
	"github.com/zhubert/inkwell-core/protocol"
	"github.com/zhubert/inkwell-core/session"
)

// runCmd starts a kernel session
var runCmd = &cobra.Command{
	Use:   "run [file.py]",
	Short: "Start a kernel and execute code against it",
	Long: `Starts a kernel session in the current directory. With a file
argument the file is executed and the session exits; without one an
interactive prompt reads code line by line. A line ending in ":" opens
a block that runs when a blank line closes it.

Prompt commands:
  %interrupt   interrupt the running execution (also Ctrl+C)
  %restart     restart the kernel
  exit         shut the kernel down and leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&kernelExe, "kernel", "", "Kernel launcher executable (default from config)")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.SetVerbose(true)
	}
	firstRunNotice(cfg)
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	in := bufio.NewReader(os.Stdin)
	sess, err := session.New(cfg, session.Options{
		Dir:      dir,
		Prompter: &stdinPrompter{in: in},
	})
	if err != nil {
		return err
	}
	if kernelExe != "" {
		sess.Supervisor().SetExecutable(kernelExe)
	}

	ctx := cmd.Context()

	fmt.Printf("Starting kernel (%s)...\n", sess.Supervisor().Executable())
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	if len(args) == 1 {
		// Shut down on a fresh context so a cancelled command context
		// can't strand the kernel.
		defer sess.Shutdown(context.Background())
		return execFile(ctx, sess, args[0])
	}

	return runREPL(ctx, sess, in)
}

// firstRunNotice greets new users and notes upgrades, then records both
// markers so each notice prints only once.
func firstRunNotice(cfg *config.Config) {
	if cfg.HasSeenWelcome() && cfg.GetLastSeenVersion() == version {
		return
	}
	if !cfg.HasSeenWelcome() {
		fmt.Println(`Welcome to inkwell. Run "inkwell check" to verify your Python environment.`)
	} else {
		fmt.Printf("inkwell updated to %s.\n", version)
	}
	cfg.MarkWelcomeShown()
	cfg.SetLastSeenVersion(version)
	if err := cfg.Save(); err != nil {
		logger.Get().Warn("failed to save config after first-run notice", "error", err)
	}
}

// execFile runs one file's source through the kernel and streams its
// output to the terminal.
func execFile(ctx context.Context, sess *session.Session, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	raised := false
	var execErr error
	for chunk := range sess.Execute(ctx, string(code)) {
		switch {
		case chunk.Error != nil:
			execErr = chunk.Error
		case chunk.Type == protocol.ChunkTypeError:
			fmt.Fprintln(os.Stderr, chunk.Content)
			raised = true
		case chunk.Type == protocol.ChunkTypeStream && chunk.Stream == "stderr":
			fmt.Fprint(os.Stderr, chunk.Content)
		case chunk.Type == protocol.ChunkTypeStream:
			fmt.Fprint(os.Stdout, chunk.Content)
		case chunk.Type == protocol.ChunkTypeResult, chunk.Type == protocol.ChunkTypeDisplay:
			fmt.Println(chunk.Content)
		}
	}
	if execErr != nil {
		return fmt.Errorf("execution failed: %w", execErr)
	}
	if raised {
		return errors.New("execution raised an exception")
	}
	return nil
}

// repl is the interactive prompt loop over one session.
type repl struct {
	sess  *session.Session
	in    *bufio.Reader
	count int

	// stuck receives a signal when the kernel ignores an interrupt.
	stuck chan struct{}
}

func runREPL(ctx context.Context, sess *session.Session, in *bufio.Reader) error {
	r := &repl{sess: sess, in: in, stuck: make(chan struct{}, 1)}
	sess.OnStuck(func() {
		select {
		case r.stuck <- struct{}{}:
		default:
		}
	})

	// Ctrl+C interrupts the kernel instead of killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if err := sess.Interrupt(); err != nil {
				fmt.Fprintf(os.Stderr, "interrupt failed: %v\n", err)
			}
		}
	}()

	fmt.Println(`Kernel ready. Type code, "%interrupt", "%restart", or "exit".`)

loop:
	for {
		code, err := r.readCode()
		if err != nil {
			// EOF (Ctrl+D) leaves like exit.
			fmt.Println()
			break
		}

		switch code {
		case "":
			continue
		case "exit", "quit":
			break loop
		case "%interrupt":
			if err := r.sess.Interrupt(); err != nil {
				fmt.Fprintf(os.Stderr, "interrupt failed: %v\n", err)
			}
			continue
		case "%restart":
			r.restart(ctx)
			continue
		}

		r.execute(ctx, code)
	}

	fmt.Println("Shutting down kernel...")
	return sess.Shutdown(ctx)
}

// readCode reads one logical input: a single line, or when the line opens
// a suite (ends with ":"), further lines until a blank one closes it.
func (r *repl) readCode() (string, error) {
	fmt.Printf("\nIn [%d]: ", r.count+1)
	line, err := r.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	first := strings.TrimRight(line, "\r\n")
	if !strings.HasSuffix(strings.TrimSpace(first), ":") {
		return strings.TrimSpace(first), nil
	}

	lines := []string{first}
	for {
		fmt.Print("   ...: ")
		line, err := r.in.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// execute streams one execution's output, watching for the stuck signal
// so a hung kernel can be force-restarted from the prompt.
func (r *repl) execute(ctx context.Context, code string) {
	r.count++
	ch := r.sess.Execute(ctx, code)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			r.printChunk(chunk)
		case <-r.stuck:
			if r.offerForceRestart(ctx) {
				// The restart failed the in-flight execute; drain the
				// leftover error chunk silently.
				for range ch {
				}
				return
			}
		}
	}
}

func (r *repl) printChunk(chunk protocol.ExecChunk) {
	switch {
	case chunk.Error != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", chunk.Error)
	case chunk.Type == protocol.ChunkTypeError:
		fmt.Fprintln(os.Stderr, chunk.Content)
	case chunk.Type == protocol.ChunkTypeStream && chunk.Stream == "stderr":
		fmt.Fprint(os.Stderr, chunk.Content)
	case chunk.Type == protocol.ChunkTypeStream:
		fmt.Fprint(os.Stdout, chunk.Content)
	case chunk.Type == protocol.ChunkTypeResult, chunk.Type == protocol.ChunkTypeDisplay:
		fmt.Printf("Out[%d]: %s\n", r.outNumber(chunk), chunk.Content)
	}
}

// outNumber prefers the kernel's own execution count for the Out label,
// falling back to the local prompt count.
func (r *repl) outNumber(chunk protocol.ExecChunk) int {
	if chunk.ExecutionCount > 0 {
		return chunk.ExecutionCount
	}
	return r.count
}

// offerForceRestart asks whether to restart a kernel that ignored an
// interrupt. Reports whether a restart happened.
func (r *repl) offerForceRestart(ctx context.Context) bool {
	fmt.Fprint(os.Stderr, "\nKernel is not responding to the interrupt. Force restart? [y/N] ")
	line, err := r.in.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer != "y" && answer != "yes" {
		return false
	}
	r.restart(ctx)
	return true
}

func (r *repl) restart(ctx context.Context) {
	fmt.Println("Restarting kernel...")
	if err := r.sess.Restart(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "restart failed: %v\n", err)
		return
	}
	// A fresh kernel counts from 1 again.
	r.count = 0
	fmt.Println("Kernel restarted.")
}

// stdinPrompter asks on the terminal whether to install missing kernel
// packages.
type stdinPrompter struct {
	in *bufio.Reader
}

func (p *stdinPrompter) ConfirmInstall(missing []string) kernel.InstallChoice {
	fmt.Printf("The kernel needs Python packages that are not installed: %s\n", strings.Join(missing, ", "))
	fmt.Print("Install with [p]ip, [c]onda, or [N]o? ")
	line, err := p.in.ReadString('\n')
	if err != nil {
		return kernel.InstallCancel
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "p", "pip":
		return kernel.InstallPip
	case "c", "conda":
		return kernel.InstallConda
	default:
		return kernel.InstallCancel
	}
}
