package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is stamped into every outgoing message header.
	ProtocolVersion = "5.3"

	// SignatureScheme is the only signing scheme this client speaks.
	SignatureScheme = "hmac-sha256"
)

// delimiter separates routing identities from message content in a
// multipart wire frame.
var delimiter = []byte("<IDS|MSG>")

// emptyJSON stands in for absent metadata/content so the signature is
// always computed over four valid JSON fields.
var emptyJSON = json.RawMessage("{}")

// headerTimeFormat is ISO-8601 UTC with microsecond precision, matching
// what kernels put in their own headers.
const headerTimeFormat = "2006-01-02T15:04:05.000000Z"

// Header identifies a single message on the wire. Every outgoing message
// gets a fresh msg_id; session is stable for the client's lifetime.
type Header struct {
	MsgID   string `json:"msg_id"`
	Session string `json:"session"`
	MsgType string `json:"msg_type"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Message is one protocol message as it crosses the wire. Replies and
// side-effect broadcasts carry the requesting message's header in
// ParentHeader; its msg_id is the sole correlation key. Metadata and
// Content stay raw so inbound content can be decoded per msg_type.
type Message struct {
	Header       Header
	ParentHeader Header
	Metadata     json.RawMessage
	Content      json.RawMessage

	// Identities holds any routing frames that preceded the delimiter on an
	// inbound message. Outgoing messages carry none.
	Identities [][]byte

	// Signature is recorded from inbound frames but never verified; this
	// client only consumes messages from the kernel it launched.
	Signature string
}

// newMessage builds an outgoing message with a fresh msg_id.
func newMessage(session, msgType string, content any) (Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("failed to serialize %s content: %v", msgType, err)
	}
	return Message{
		Header: Header{
			MsgID:   uuid.NewString(),
			Session: session,
			MsgType: msgType,
			Version: ProtocolVersion,
			Date:    time.Now().UTC().Format(headerTimeFormat),
		},
		Metadata: emptyJSON,
		Content:  raw,
	}, nil
}

// marshalHeader serializes a header, collapsing the zero header to "{}"
// so outgoing requests carry an empty parent_header.
func marshalHeader(h Header) ([]byte, error) {
	if h.MsgID == "" {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

// signFrames computes the lowercase hex HMAC-SHA256 signature over the
// serialized message fields in wire order.
func signFrames(key []byte, frames ...[]byte) string {
	mac := hmac.New(sha256.New, key)
	for _, f := range frames {
		mac.Write(f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// frameMessage serializes a message into its multipart wire frame:
// delimiter, signature, header, parent_header, metadata, content.
// Dealer sockets need no identity prefix on outgoing frames.
func frameMessage(key []byte, msg Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize header: %v", err)
	}
	parent, err := marshalHeader(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize parent header: %v", err)
	}
	metadata := msg.Metadata
	if len(metadata) == 0 {
		metadata = emptyJSON
	}
	content := msg.Content
	if len(content) == 0 {
		content = emptyJSON
	}

	sig := signFrames(key, header, parent, metadata, content)
	return [][]byte{delimiter, []byte(sig), header, parent, metadata, content}, nil
}

// parseFrames decodes an inbound multipart frame. The delimiter is located
// by scanning, so any number of leading identity frames is tolerated.
// Header and parent header are decoded; metadata and content are kept raw
// after a validity check so bad JSON is rejected here rather than deep in
// a per-type decoder.
func parseFrames(frames [][]byte) (*Message, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no delimiter in %d-part message", len(frames))
	}
	if len(frames) < idx+6 {
		return nil, fmt.Errorf("truncated message: %d parts after delimiter", len(frames)-idx-1)
	}

	msg := &Message{
		Identities: frames[:idx],
		Signature:  string(frames[idx+1]),
	}
	if err := json.Unmarshal(frames[idx+2], &msg.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if err := json.Unmarshal(frames[idx+3], &msg.ParentHeader); err != nil {
		return nil, fmt.Errorf("failed to parse parent header: %v", err)
	}
	if !json.Valid(frames[idx+4]) {
		return nil, fmt.Errorf("metadata is not valid JSON")
	}
	if !json.Valid(frames[idx+5]) {
		return nil, fmt.Errorf("content is not valid JSON")
	}
	msg.Metadata = json.RawMessage(frames[idx+4])
	msg.Content = json.RawMessage(frames[idx+5])
	return msg, nil
}

// Status is a kernel execution state broadcast on the iopub channel.
type Status string

const (
	StatusBusy     Status = "busy"
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
)

// ChunkType identifies what kind of output an execution chunk carries.
type ChunkType string

const (
	ChunkTypeStream  ChunkType = "stream"  // stdout/stderr text, verbatim
	ChunkTypeResult  ChunkType = "result"  // execute_result text/plain
	ChunkTypeDisplay ChunkType = "display" // display_data text/plain
	ChunkTypeError   ChunkType = "error"   // formatted exception with traceback
)

// ExecChunk is one streamed piece of an execution's output. The final
// chunk has Done set and carries any terminal error.
type ExecChunk struct {
	Type           ChunkType
	Content        string
	Stream         string // "stdout" or "stderr" for stream chunks
	ExecutionCount int    // kernel's prompt number, when it supplies one
	Done           bool
	Error          error
}

// executeRequestContent is the content of an outgoing execute_request.
type executeRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// statusContent is the content of a status broadcast.
type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

// streamContent is the content of a stream broadcast (stdout/stderr text).
type streamContent struct {
	Name string `json:"name"` // "stdout" or "stderr"
	Text string `json:"text"`
}

// resultContent is the content of execute_result and display_data
// broadcasts. Payloads arrive as a MIME bundle keyed by type; only the
// plain-text representation is surfaced.
type resultContent struct {
	Data           map[string]any `json:"data"`
	ExecutionCount int            `json:"execution_count"`
}

// plainText returns the text/plain entry of the MIME bundle, if any.
func (rc resultContent) plainText() string {
	text, _ := rc.Data["text/plain"].(string)
	return text
}

// errorContent is the content of an error broadcast.
type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// executeInputContent is the content of an execute_input broadcast, the
// kernel echoing back the code it is about to run.
type executeInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// decodeStatus extracts the execution state from a status broadcast.
func decodeStatus(content json.RawMessage) (Status, error) {
	var sc statusContent
	if err := json.Unmarshal(content, &sc); err != nil {
		return "", fmt.Errorf("failed to parse status content: %v", err)
	}
	if sc.ExecutionState == "" {
		return "", fmt.Errorf("status content missing execution_state")
	}
	return Status(sc.ExecutionState), nil
}

// decodeExecuteInput extracts the echoed code from an execute_input broadcast.
func decodeExecuteInput(content json.RawMessage) (executeInputContent, error) {
	var in executeInputContent
	if err := json.Unmarshal(content, &in); err != nil {
		return executeInputContent{}, fmt.Errorf("failed to parse execute_input content: %v", err)
	}
	return in, nil
}

// decodeOutput translates an output-kind iopub message into an ExecChunk.
// Returns false for message types that carry no caller-visible output.
// Stream text is passed through verbatim; results and display data surface
// their plain-text representation; errors are formatted as "ename: evalue"
// followed by the traceback joined by newlines.
func decodeOutput(msgType string, content json.RawMessage) (ExecChunk, bool) {
	switch msgType {
	case "stream":
		var sc streamContent
		if err := json.Unmarshal(content, &sc); err != nil {
			return ExecChunk{}, false
		}
		return ExecChunk{Type: ChunkTypeStream, Content: sc.Text, Stream: sc.Name}, true

	case "execute_result":
		var rc resultContent
		if err := json.Unmarshal(content, &rc); err != nil {
			return ExecChunk{}, false
		}
		return ExecChunk{Type: ChunkTypeResult, Content: rc.plainText(), ExecutionCount: rc.ExecutionCount}, true

	case "display_data":
		var rc resultContent
		if err := json.Unmarshal(content, &rc); err != nil {
			return ExecChunk{}, false
		}
		return ExecChunk{Type: ChunkTypeDisplay, Content: rc.plainText()}, true

	case "error":
		var ec errorContent
		if err := json.Unmarshal(content, &ec); err != nil {
			return ExecChunk{}, false
		}
		text := fmt.Sprintf("%s: %s", ec.EName, ec.EValue)
		if len(ec.Traceback) > 0 {
			text += "\n" + strings.Join(ec.Traceback, "\n")
		}
		return ExecChunk{Type: ChunkTypeError, Content: text}, true
	}

	return ExecChunk{}, false
}
