package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/inkwell-core/logger"
)

// DefaultExecTimeout bounds how long an execute waits for its idle
// broadcast when the caller doesn't configure a timeout.
const DefaultExecTimeout = 2 * time.Minute

// execChannelBuffer is the capacity of the chunk channel returned by
// Execute. Sized so a bursty kernel doesn't stall the receive loop.
const execChannelBuffer = 100

// Options configures a Client. The zero value is usable: a fresh session
// id, the default execution timeout, and the real ZeroMQ dialer.
type Options struct {
	// SessionID is the stable session identity stamped into every outgoing
	// header. A fresh UUID is generated when empty.
	SessionID string

	// ExecTimeout bounds each Execute's wait for the correlated idle
	// broadcast. DefaultExecTimeout when zero.
	ExecTimeout time.Duration

	// Silent suppresses the kernel's input echo and result broadcasts for
	// executed code. Driven by the caller's display preference.
	Silent bool

	// Verbose enables the per-session raw wire traffic log.
	Verbose bool

	// Dialer opens the channel sockets. The real ZeroMQ dialer when nil;
	// tests inject fakes.
	Dialer Dialer
}

// Client implements the kernel wire protocol over three channel sockets:
// shell for requests, iopub for broadcasts, control for out-of-band
// interrupts. One persistent receive loop on iopub correlates broadcasts
// back to in-flight requests by parent msg_id and feeds status observers.
//
// Connectivity is two-state: disconnected until Connect succeeds,
// disconnected again after Disconnect. The kernel's busy/idle state is a
// separate machine observed through OnStatus, not owned by the client.
type Client struct {
	connectionFile string
	session        string
	dialer         Dialer
	execTimeout    time.Duration
	silent         bool
	verbose        bool

	mu        sync.RWMutex
	connected bool
	desc      *ConnectionDescriptor
	key       []byte
	shell     Socket
	iopub     Socket
	control   Socket
	observers []func(Status)
	busy      bool

	// recvDone is closed when the iopub receive loop exits. Disconnect
	// awaits it so no callback fires after Disconnect returns.
	recvDone chan struct{}

	pending *pendingRegistry

	log *slog.Logger

	// Traffic log file for raw wire messages (separate from main debug log)
	trafficMu  sync.Mutex
	trafficLog *os.File
}

// NewClient creates a client for the given connection file. Nothing is
// read or dialed until Connect.
func NewClient(connectionFile string, opts Options) *Client {
	session := opts.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	timeout := opts.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewDialer()
	}

	log := logger.WithSession(session).With("component", "protocol")
	log.Debug("client created", "connectionFile", connectionFile, "execTimeout", timeout)

	return &Client{
		connectionFile: connectionFile,
		session:        session,
		dialer:         dialer,
		execTimeout:    timeout,
		silent:         opts.Silent,
		verbose:        opts.Verbose,
		pending:        newPendingRegistry(),
		log:            log,
	}
}

// Session returns the client's session identity.
func (c *Client) Session() string {
	return c.session
}

// Connected reports whether the client currently holds open sockets.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Descriptor returns the connection descriptor read during Connect, or nil
// before the first successful connect.
func (c *Client) Descriptor() *ConnectionDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.desc
}

// Connect reads and validates the connection file, opens the shell, iopub,
// and control sockets, and starts the iopub receive loop. Any failure
// during socket setup unwinds the sockets opened so far; the client is
// marked connected only after all three are open. No-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	desc, err := ReadDescriptor(c.connectionFile)
	if err != nil {
		return err
	}

	c.log.Info("connecting",
		"ip", desc.IP,
		"shellPort", desc.ShellPort,
		"iopubPort", desc.IOPubPort,
		"controlPort", desc.ControlPort)

	shell, err := c.dialer.DialShell(desc.ShellAddr())
	if err != nil {
		return fmt.Errorf("failed to open shell channel: %v", err)
	}
	iopub, err := c.dialer.DialIOPub(desc.IOPubAddr())
	if err != nil {
		shell.Close()
		return fmt.Errorf("failed to open iopub channel: %v", err)
	}
	control, err := c.dialer.DialControl(desc.ControlAddr())
	if err != nil {
		shell.Close()
		iopub.Close()
		return fmt.Errorf("failed to open control channel: %v", err)
	}

	if c.verbose {
		c.openTrafficLog()
	}

	c.desc = desc
	c.key = []byte(desc.Key)
	c.shell = shell
	c.iopub = iopub
	c.control = control
	c.connected = true
	c.recvDone = make(chan struct{})

	go c.readIOPub(iopub, c.recvDone)

	c.log.Info("connected")
	return nil
}

// Execute sends the code to the kernel and streams its output. The
// returned channel carries stream/result/display/error chunks in the order
// the kernel emitted them, then a final chunk with Done set. The request
// resolves on the idle status broadcast correlated to its msg_id, not on
// the shell reply, since output may still be streaming after the reply.
// If no idle arrives within the execution timeout, the final chunk carries
// ErrExecuteTimeout. Fails immediately, without sending, when not
// connected. Concurrent calls are independent; each is keyed by its own
// msg_id.
func (c *Client) Execute(ctx context.Context, code string) <-chan ExecChunk {
	ch := make(chan ExecChunk, execChannelBuffer)

	c.mu.RLock()
	connected := c.connected
	shell := c.shell
	key := c.key
	silent := c.silent
	c.mu.RUnlock()

	if !connected {
		ch <- ExecChunk{Error: ErrNotConnected, Done: true}
		close(ch)
		return ch
	}
	if err := ctx.Err(); err != nil {
		ch <- ExecChunk{Error: err, Done: true}
		close(ch)
		return ch
	}

	msg, err := newMessage(c.session, "execute_request", executeRequestContent{
		Code:            code,
		Silent:          silent,
		StoreHistory:    false,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	if err != nil {
		ch <- ExecChunk{Error: err, Done: true}
		close(ch)
		return ch
	}

	frames, err := frameMessage(key, msg)
	if err != nil {
		ch <- ExecChunk{Error: err, Done: true}
		close(ch)
		return ch
	}

	msgID := msg.Header.MsgID
	c.log.Debug("execute_request", "msgID", msgID, "codeLen", len(code), "silent", silent)

	// Register before sending so a fast kernel cannot broadcast idle while
	// the entry doesn't exist yet.
	req := newPendingRequest(ch)
	c.pending.add(msgID, req, c.execTimeout, func() {
		if timedOut, ok := c.pending.remove(msgID); ok {
			c.log.Warn("execution timed out", "msgID", msgID, "timeout", c.execTimeout)
			timedOut.complete(ErrExecuteTimeout)
		}
	})

	if err := shell.Send(frames); err != nil {
		c.log.Error("failed to send execute_request", "msgID", msgID, "error", err)
		if failed, ok := c.pending.remove(msgID); ok {
			failed.complete(fmt.Errorf("failed to send execute request: %v", err))
		}
		return ch
	}

	c.writeTraffic("send", "shell", &msg)
	return ch
}

// Interrupt asks the kernel to interrupt whatever it is running by sending
// an interrupt_request on the control channel. Fire-and-forget: no reply
// is awaited, and the busy-to-idle transition observed via OnStatus is the
// only confirmation.
func (c *Client) Interrupt() error {
	c.mu.RLock()
	connected := c.connected
	control := c.control
	key := c.key
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	msg, err := newMessage(c.session, "interrupt_request", struct{}{})
	if err != nil {
		return err
	}
	frames, err := frameMessage(key, msg)
	if err != nil {
		return err
	}

	if err := control.Send(frames); err != nil {
		c.log.Error("failed to send interrupt_request", "error", err)
		return fmt.Errorf("failed to send interrupt request: %v", err)
	}

	c.writeTraffic("send", "control", &msg)
	c.log.Info("interrupt_request sent", "msgID", msg.Header.MsgID)
	return nil
}

// OnStatus registers an observer for kernel status broadcasts. Observers
// are invoked from the receive loop, in registration order, for every
// status message in arrival order; they should not block.
func (c *Client) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// IsBusy reports the last observed kernel execution state.
func (c *Client) IsBusy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.busy
}

// Disconnect tears the connection down: clears the connected flag, fails
// every in-flight execute with ErrNotConnected, closes all sockets (which
// terminates the receive loop's pending Recv), and waits for the loop to
// exit so no callback fires after return. Safe to call multiple times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	shell, iopub, control := c.shell, c.iopub, c.control
	c.shell, c.iopub, c.control = nil, nil, nil
	recvDone := c.recvDone
	c.recvDone = nil
	c.mu.Unlock()

	c.log.Debug("disconnecting")

	// Fail in-flight requests before the sockets go away so callers
	// unblock with a typed error instead of hanging until timeout.
	for _, req := range c.pending.drain() {
		req.complete(ErrNotConnected)
	}

	if iopub != nil {
		iopub.Close()
	}
	if shell != nil {
		shell.Close()
	}
	if control != nil {
		control.Close()
	}

	if recvDone != nil {
		<-recvDone
	}

	c.closeTrafficLog()
	c.log.Info("disconnected")
}

// readIOPub is the persistent receive loop on the iopub channel. It runs
// until the socket is closed by Disconnect or fails.
func (c *Client) readIOPub(sock Socket, done chan struct{}) {
	defer close(done)
	c.log.Debug("iopub receive loop started")

	for {
		frames, err := sock.Recv()
		if err != nil {
			c.log.Debug("iopub receive loop exiting", "error", err)
			return
		}
		c.handleIOPub(frames)
	}
}

// handleIOPub routes one inbound iopub message. Parse failures are logged
// and the message dropped; one bad frame must not kill the channel.
func (c *Client) handleIOPub(frames [][]byte) {
	msg, err := parseFrames(frames)
	if err != nil {
		c.log.Warn("dropping malformed iopub message", "error", err)
		return
	}
	c.writeTraffic("recv", "iopub", msg)

	msgType := msg.Header.MsgType
	parentID := msg.ParentHeader.MsgID

	switch msgType {
	case "status":
		state, err := decodeStatus(msg.Content)
		if err != nil {
			c.log.Warn("dropping malformed status broadcast", "error", err)
			return
		}
		// The broadcast reaches every observer regardless of whether any
		// request is pending; completion correlation is independent.
		c.publishStatus(state)
		if state == StatusIdle && parentID != "" {
			if req, ok := c.pending.remove(parentID); ok {
				c.log.Debug("execution complete", "msgID", parentID)
				req.complete(nil)
			}
		}

	case "execute_input":
		if in, err := decodeExecuteInput(msg.Content); err == nil {
			c.log.Debug("execute_input", "executionCount", in.ExecutionCount, "codeLen", len(in.Code))
		}

	default:
		chunk, ok := decodeOutput(msgType, msg.Content)
		if !ok {
			c.log.Debug("ignoring iopub message", "msgType", msgType)
			return
		}
		if parentID == "" {
			return
		}
		if req, found := c.pending.lookup(parentID); found {
			if !req.deliver(chunk) {
				c.log.Warn("dropping output chunk, consumer not draining", "msgID", parentID, "msgType", msgType)
			}
		}
	}
}

// publishStatus records the busy flag and invokes every observer with the
// new state, preserving arrival order.
func (c *Client) publishStatus(state Status) {
	c.mu.Lock()
	c.busy = state == StatusBusy
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	c.log.Debug("kernel status", "state", state)
	for _, fn := range observers {
		fn(state)
	}
}

// openTrafficLog opens the per-session traffic log for raw wire messages.
// Called with mu held.
func (c *Client) openTrafficLog() {
	if c.trafficLog != nil {
		return
	}
	path, err := logger.TrafficLogPath(c.session)
	if err != nil {
		c.log.Warn("failed to get traffic log path", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.log.Warn("failed to open traffic log file", "path", path, "error", err)
		return
	}
	c.trafficLog = f
}

// writeTraffic appends one wire message to the traffic log.
func (c *Client) writeTraffic(direction, channel string, msg *Message) {
	c.trafficMu.Lock()
	defer c.trafficMu.Unlock()
	if c.trafficLog == nil {
		return
	}
	fmt.Fprintf(c.trafficLog, "%s %s %s type=%s id=%s parent=%s content=%s\n",
		time.Now().UTC().Format(headerTimeFormat),
		direction, channel,
		msg.Header.MsgType, msg.Header.MsgID, msg.ParentHeader.MsgID,
		msg.Content)
}

func (c *Client) closeTrafficLog() {
	c.trafficMu.Lock()
	defer c.trafficMu.Unlock()
	if c.trafficLog != nil {
		c.trafficLog.Close()
		c.trafficLog = nil
	}
}
