package protocol

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConnectionDescriptor is the connection file a kernel writes at startup.
// It names the transport endpoints for every channel plus the key used to
// sign messages. Immutable once read; owned by whichever client last
// connected with it.
type ConnectionDescriptor struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	ControlPort     int    `json:"control_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
}

// ReadDescriptor reads and validates a connection file. Read failures,
// JSON failures, and field validation failures are distinct error kinds
// (ErrDescriptorRead, ErrDescriptorParse, ErrDescriptorInvalid).
func ReadDescriptor(path string) (*ConnectionDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorRead, err)
	}

	var desc ConnectionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDescriptorParse, err)
	}

	if err := desc.Validate(); err != nil {
		return nil, err
	}

	return &desc, nil
}

// Validate checks that every required field is present and every port is in
// the valid TCP range. The stdin and heartbeat ports are validated even
// though this client never dials them.
func (d *ConnectionDescriptor) Validate() error {
	if d.IP == "" {
		return fmt.Errorf("%w: missing ip", ErrDescriptorInvalid)
	}
	if d.Transport == "" {
		return fmt.Errorf("%w: missing transport", ErrDescriptorInvalid)
	}
	if d.Key == "" {
		return fmt.Errorf("%w: missing key", ErrDescriptorInvalid)
	}
	if d.SignatureScheme != SignatureScheme {
		return fmt.Errorf("%w: unsupported signature scheme %q", ErrDescriptorInvalid, d.SignatureScheme)
	}

	ports := map[string]int{
		"shell_port":   d.ShellPort,
		"iopub_port":   d.IOPubPort,
		"control_port": d.ControlPort,
		"stdin_port":   d.StdinPort,
		"hb_port":      d.HBPort,
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrDescriptorInvalid, name, port)
		}
	}

	return nil
}

// Addr builds the endpoint for a port, e.g. "tcp://127.0.0.1:51234".
func (d *ConnectionDescriptor) Addr(port int) string {
	return fmt.Sprintf("%s://%s:%d", d.Transport, d.IP, port)
}

// ShellAddr returns the shell channel endpoint.
func (d *ConnectionDescriptor) ShellAddr() string { return d.Addr(d.ShellPort) }

// IOPubAddr returns the iopub channel endpoint.
func (d *ConnectionDescriptor) IOPubAddr() string { return d.Addr(d.IOPubPort) }

// ControlAddr returns the control channel endpoint.
func (d *ConnectionDescriptor) ControlAddr() string { return d.Addr(d.ControlPort) }
