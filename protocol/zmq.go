package protocol

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// zmqSocket adapts a zmq4 socket to the Socket interface.
type zmqSocket struct {
	sock zmq4.Socket
}

func (s *zmqSocket) Send(frames [][]byte) error {
	return s.sock.SendMulti(zmq4.NewMsgFrom(frames...))
}

func (s *zmqSocket) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}

// zmqDialer opens real ZeroMQ sockets: DEALER for the shell and control
// channels, SUB for iopub. Sockets are created against the background
// context so their lifetime is bounded by Close, not by whatever context
// the connect call happened to carry.
type zmqDialer struct{}

// NewDialer returns the production ZeroMQ dialer.
func NewDialer() Dialer {
	return zmqDialer{}
}

func (zmqDialer) DialShell(addr string) (Socket, error) {
	return dialZMQ(zmq4.NewDealer(context.Background()), addr)
}

func (zmqDialer) DialControl(addr string) (Socket, error) {
	return dialZMQ(zmq4.NewDealer(context.Background()), addr)
}

func (zmqDialer) DialIOPub(addr string) (Socket, error) {
	sock := zmq4.NewSub(context.Background())
	// Empty subscription: receive every broadcast, no topic filtering.
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe: %v", err)
	}
	return dialZMQ(sock, addr)
}

func dialZMQ(sock zmq4.Socket, addr string) (Socket, error) {
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %v", addr, err)
	}
	return &zmqSocket{sock: sock}, nil
}
