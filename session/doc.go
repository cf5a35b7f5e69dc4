// Package session pairs a kernel process with a protocol connection.
//
// # Overview
//
// A running kernel is two things at once: an OS process (owned by the
// kernel package) and a set of ZeroMQ sockets speaking the messaging
// protocol (owned by the protocol package). Neither half is useful
// alone, and the two have a strict ordering between them. This package
// provides Session, the object that holds one of each and sequences
// every lifecycle transition across the seam.
//
// # Lifecycle
//
// 1. Start: The supervisor launches the kernel and waits for it to
// publish its connection file. A protocol client is then connected to
// the file's endpoints. If the connect fails the kernel is stopped
// again, so a successful Start always means both halves are live. Any
// project startup code runs on the fresh connection before Start
// returns.
//
// 2. Execute: Delegated to the protocol client, which streams output
// chunks until the kernel reports idle for that request.
//
// 3. Interrupt: Routed through the supervisor's process control
// channel, not the sockets. A kernel drowning in output still hears it.
//
// 4. Restart: Disconnect, restart the process, reconnect. The kernel
// writes fresh ports on every boot, so the client is rebuilt from the
// new connection file rather than reused.
//
// 5. Shutdown: Disconnect first, then stop the process. Tearing the
// sockets down while their far end is dying produces noisy errors in
// the receive loop; this order avoids them.
//
// # Status Flow
//
// The kernel broadcasts busy/idle transitions on its iopub socket. The
// session installs a single observer on each client it creates and fans
// the transitions out: first to the supervisor, which clears or
// confirms pending stuck checks, then to observers registered with
// OnStatus, in order.
//
// # Construction
//
// New wires real collaborators from a Settings provider (satisfied by
// *config.Config), resolving the workspace's project file into the
// launch plan. NewWithCollaborators accepts an explicit supervisor and
// client factory, which is how tests substitute mocks.
package session
