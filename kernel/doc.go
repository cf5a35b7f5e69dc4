// Package kernel supervises the Jupyter kernel subprocess for a session:
// spawning it, discovering its connection file, relaying interrupt and
// shutdown tokens, and tearing it down in stages.
//
// # Overview
//
// The kernel itself is a Python process. A small wrapper script, embedded
// in this package and written to the runtime directory at start, boots it
// through jupyter_client, prints the connection file path on stdout, and
// then bridges stdin control tokens to kernel actions. The Supervisor owns
// that wrapper process; the protocol package speaks to the kernel's
// sockets using the connection file the Supervisor discovers.
//
// # Supervisor
//
// Supervisor is the main type:
//
//	sup := kernel.NewSupervisor(kernel.Config{SessionID: id, Dir: workspace})
//	if err := sup.Start(ctx); err != nil {
//	    // Handle error
//	}
//	file := sup.ConnectionFile() // hand to protocol.NewClient
//	...
//	sup.Stop(ctx)
//
// Start verifies the interpreter's Python packages first, prompting to
// install them when a Prompter is configured, then spawns the wrapper and
// scans both its output streams for an absolute path ending in .json. The
// first match is the connection file. If the process dies before the path
// appears, Start returns an ExitError classified from the captured stderr.
//
// # Shutdown
//
// Stop escalates in stages: the SHUTDOWN token on stdin asks the wrapper
// to end the kernel cleanly, the terminate signal follows after the term
// delay, and a hard kill lands at the shutdown ceiling. Restart runs the
// same stop, waits for a settle delay so the old process can release its
// ports, and starts fresh.
//
// # Interrupts and Stuck Kernels
//
// Interrupt writes the INTERRUPT token and returns without waiting; the
// wrapper acknowledges on stdout. Each interrupt arms a stuck check: if
// the kernel is still busy when the grace window ends, the OnStuck
// callback fires so the caller can offer a restart. Status reports from
// the protocol layer feed HandleStatusChange, and an idle report cancels
// the pending check.
//
// # Thread Safety
//
// Supervisor is thread-safe. Start, Stop, and Restart serialize against
// each other; Interrupt, HandleStatusChange, and the accessors may be
// called concurrently from protocol callbacks and UI goroutines.
package kernel
