package protocol

// Socket is the minimal surface the client needs from a channel socket.
// Production sockets are ZeroMQ (see zmq.go); tests inject in-memory fakes.
type Socket interface {
	// Send writes one multipart message.
	Send(frames [][]byte) error

	// Recv blocks until the next multipart message arrives or the socket
	// is closed.
	Recv() ([][]byte, error)

	// Close shuts the socket down, unblocking any pending Recv.
	Close() error
}

// Dialer opens the three channel sockets. The shell and control channels
// are request-style sockets; iopub is a broadcast subscriber with no topic
// filtering. Swapping the dialer lets tests drive a client without a kernel.
type Dialer interface {
	DialShell(addr string) (Socket, error)
	DialIOPub(addr string) (Socket, error)
	DialControl(addr string) (Socket, error)
}
