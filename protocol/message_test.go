package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessage(t *testing.T) {
	msg, err := newMessage("session-1", "execute_request", executeRequestContent{Code: "1+1"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}

	if msg.Header.MsgID == "" {
		t.Error("MsgID is empty")
	}
	if msg.Header.Session != "session-1" {
		t.Errorf("Session = %q, want %q", msg.Header.Session, "session-1")
	}
	if msg.Header.MsgType != "execute_request" {
		t.Errorf("MsgType = %q, want %q", msg.Header.MsgType, "execute_request")
	}
	if msg.Header.Version != ProtocolVersion {
		t.Errorf("Version = %q, want %q", msg.Header.Version, ProtocolVersion)
	}
	if _, err := time.Parse(headerTimeFormat, msg.Header.Date); err != nil {
		t.Errorf("Date %q does not parse with %q: %v", msg.Header.Date, headerTimeFormat, err)
	}
}

func TestNewMessage_FreshIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 20 {
		msg, err := newMessage("session-1", "execute_request", struct{}{})
		if err != nil {
			t.Fatalf("newMessage failed: %v", err)
		}
		if seen[msg.Header.MsgID] {
			t.Fatalf("duplicate msg_id %q", msg.Header.MsgID)
		}
		seen[msg.Header.MsgID] = true
	}
}

func TestFrameMessage(t *testing.T) {
	key := []byte("secret-key")
	msg, err := newMessage("session-1", "execute_request", executeRequestContent{
		Code:            "print('hi')",
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}

	frames, err := frameMessage(key, msg)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}

	if len(frames) != 6 {
		t.Fatalf("len(frames) = %d, want 6", len(frames))
	}
	if string(frames[0]) != "<IDS|MSG>" {
		t.Errorf("frames[0] = %q, want delimiter", frames[0])
	}

	// The signature is lowercase hex HMAC-SHA256 over the four JSON fields
	// in wire order.
	mac := hmac.New(sha256.New, key)
	for _, f := range frames[2:6] {
		mac.Write(f)
	}
	want := hex.EncodeToString(mac.Sum(nil))
	if string(frames[1]) != want {
		t.Errorf("signature = %q, want %q", frames[1], want)
	}

	var header Header
	if err := json.Unmarshal(frames[2], &header); err != nil {
		t.Fatalf("header frame is not valid JSON: %v", err)
	}
	if header.MsgType != "execute_request" {
		t.Errorf("header MsgType = %q, want %q", header.MsgType, "execute_request")
	}

	if string(frames[3]) != "{}" {
		t.Errorf("parent header frame = %q, want empty object", frames[3])
	}
	if string(frames[4]) != "{}" {
		t.Errorf("metadata frame = %q, want empty object", frames[4])
	}

	var content executeRequestContent
	if err := json.Unmarshal(frames[5], &content); err != nil {
		t.Fatalf("content frame is not valid JSON: %v", err)
	}
	if content.Code != "print('hi')" {
		t.Errorf("content code = %q, want %q", content.Code, "print('hi')")
	}
	if !content.StopOnError {
		t.Error("content stop_on_error = false, want true")
	}
}

func TestFrameMessage_SignatureVariesWithContent(t *testing.T) {
	key := []byte("secret-key")

	first, err := newMessage("session-1", "execute_request", executeRequestContent{Code: "1+1"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	second := first
	second.Content = json.RawMessage(`{"code":"2+2"}`)

	firstFrames, err := frameMessage(key, first)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}
	secondFrames, err := frameMessage(key, second)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}

	if string(firstFrames[1]) == string(secondFrames[1]) {
		t.Error("signature did not change with content")
	}
}

func TestFrameMessage_SignatureVariesWithKey(t *testing.T) {
	msg, err := newMessage("session-1", "execute_request", executeRequestContent{Code: "1+1"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}

	a, err := frameMessage([]byte("key-a"), msg)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}
	b, err := frameMessage([]byte("key-b"), msg)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}

	if string(a[1]) == string(b[1]) {
		t.Error("signature did not change with key")
	}
}

func TestParseFrames_RoundTrip(t *testing.T) {
	key := []byte("secret-key")
	out, err := newMessage("session-1", "execute_request", executeRequestContent{Code: "x = 1"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	frames, err := frameMessage(key, out)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}

	in, err := parseFrames(frames)
	if err != nil {
		t.Fatalf("parseFrames failed: %v", err)
	}

	if in.Header.MsgID != out.Header.MsgID {
		t.Errorf("MsgID = %q, want %q", in.Header.MsgID, out.Header.MsgID)
	}
	if in.Header.Session != "session-1" {
		t.Errorf("Session = %q, want %q", in.Header.Session, "session-1")
	}
	if in.ParentHeader.MsgID != "" {
		t.Errorf("ParentHeader.MsgID = %q, want empty", in.ParentHeader.MsgID)
	}
	if in.Signature != string(frames[1]) {
		t.Errorf("Signature = %q, want %q", in.Signature, frames[1])
	}
	if len(in.Identities) != 0 {
		t.Errorf("len(Identities) = %d, want 0", len(in.Identities))
	}
}

func TestParseFrames_WithIdentities(t *testing.T) {
	key := []byte("secret-key")
	out, err := newMessage("kernel", "status", statusContent{ExecutionState: "busy"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	frames, err := frameMessage(key, out)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}

	// Broadcast sockets prefix a routing identity before the delimiter.
	withIdentity := append([][]byte{[]byte("kernel.status")}, frames...)

	in, err := parseFrames(withIdentity)
	if err != nil {
		t.Fatalf("parseFrames failed: %v", err)
	}
	if len(in.Identities) != 1 || string(in.Identities[0]) != "kernel.status" {
		t.Errorf("Identities = %q, want [kernel.status]", in.Identities)
	}
	if in.Header.MsgType != "status" {
		t.Errorf("MsgType = %q, want %q", in.Header.MsgType, "status")
	}
}

func TestParseFrames_ParentCorrelation(t *testing.T) {
	key := []byte("secret-key")
	msg, err := newMessage("kernel", "stream", streamContent{Name: "stdout", Text: "hi\n"})
	if err != nil {
		t.Fatalf("newMessage failed: %v", err)
	}
	msg.ParentHeader = Header{
		MsgID:   "parent-42",
		Session: "session-1",
		MsgType: "execute_request",
		Version: ProtocolVersion,
		Date:    time.Now().UTC().Format(headerTimeFormat),
	}

	frames, err := frameMessage(key, msg)
	if err != nil {
		t.Fatalf("frameMessage failed: %v", err)
	}
	in, err := parseFrames(frames)
	if err != nil {
		t.Fatalf("parseFrames failed: %v", err)
	}

	if in.ParentHeader.MsgID != "parent-42" {
		t.Errorf("ParentHeader.MsgID = %q, want %q", in.ParentHeader.MsgID, "parent-42")
	}
}

func TestParseFrames_Errors(t *testing.T) {
	valid := func() [][]byte {
		return [][]byte{
			[]byte("<IDS|MSG>"),
			[]byte("deadbeef"),
			[]byte(`{"msg_id":"1","msg_type":"status"}`),
			[]byte(`{}`),
			[]byte(`{}`),
			[]byte(`{"execution_state":"idle"}`),
		}
	}

	tests := []struct {
		name   string
		frames [][]byte
	}{
		{
			name:   "empty",
			frames: [][]byte{},
		},
		{
			name:   "no delimiter",
			frames: [][]byte{[]byte("junk"), []byte("more junk")},
		},
		{
			name:   "truncated after delimiter",
			frames: valid()[:4],
		},
		{
			name: "header not JSON",
			frames: func() [][]byte {
				f := valid()
				f[2] = []byte("not json")
				return f
			}(),
		},
		{
			name: "parent header not JSON",
			frames: func() [][]byte {
				f := valid()
				f[3] = []byte("not json")
				return f
			}(),
		},
		{
			name: "metadata not JSON",
			frames: func() [][]byte {
				f := valid()
				f[4] = []byte("not json")
				return f
			}(),
		},
		{
			name: "content not JSON",
			frames: func() [][]byte {
				f := valid()
				f[5] = []byte("not json")
				return f
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFrames(tt.frames); err == nil {
				t.Error("parseFrames succeeded, want error")
			}
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	state, err := decodeStatus(json.RawMessage(`{"execution_state":"busy"}`))
	if err != nil {
		t.Fatalf("decodeStatus failed: %v", err)
	}
	if state != StatusBusy {
		t.Errorf("state = %q, want %q", state, StatusBusy)
	}

	state, err = decodeStatus(json.RawMessage(`{"execution_state":"idle"}`))
	if err != nil {
		t.Fatalf("decodeStatus failed: %v", err)
	}
	if state != StatusIdle {
		t.Errorf("state = %q, want %q", state, StatusIdle)
	}
}

func TestDecodeStatus_Malformed(t *testing.T) {
	if _, err := decodeStatus(json.RawMessage(`{"no_state":true}`)); err == nil {
		t.Error("decodeStatus succeeded on missing execution_state, want error")
	}
	if _, err := decodeStatus(json.RawMessage(`[1,2]`)); err == nil {
		t.Error("decodeStatus succeeded on non-object content, want error")
	}
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name        string
		msgType     string
		content     string
		wantType    ChunkType
		wantContent string
		wantStream  string
		wantCount   int
	}{
		{
			name:        "stream stdout verbatim",
			msgType:     "stream",
			content:     `{"name":"stdout","text":"hello\nworld"}`,
			wantType:    ChunkTypeStream,
			wantContent: "hello\nworld",
			wantStream:  "stdout",
		},
		{
			name:        "stream stderr",
			msgType:     "stream",
			content:     `{"name":"stderr","text":"warning"}`,
			wantType:    ChunkTypeStream,
			wantContent: "warning",
			wantStream:  "stderr",
		},
		{
			name:        "execute_result plain text",
			msgType:     "execute_result",
			content:     `{"data":{"text/plain":"4"},"execution_count":2}`,
			wantType:    ChunkTypeResult,
			wantContent: "4",
			wantCount:   2,
		},
		{
			name:        "execute_result with extra mime types",
			msgType:     "execute_result",
			content:     `{"data":{"text/plain":"<Figure>","application/json":{"a":1}},"execution_count":3}`,
			wantType:    ChunkTypeResult,
			wantContent: "<Figure>",
			wantCount:   3,
		},
		{
			name:        "display_data plain text",
			msgType:     "display_data",
			content:     `{"data":{"text/plain":"plot"}}`,
			wantType:    ChunkTypeDisplay,
			wantContent: "plot",
		},
		{
			name:        "error with traceback",
			msgType:     "error",
			content:     `{"ename":"ZeroDivisionError","evalue":"division by zero","traceback":["line one","line two"]}`,
			wantType:    ChunkTypeError,
			wantContent: "ZeroDivisionError: division by zero\nline one\nline two",
		},
		{
			name:        "error without traceback",
			msgType:     "error",
			content:     `{"ename":"KeyboardInterrupt","evalue":""}`,
			wantType:    ChunkTypeError,
			wantContent: "KeyboardInterrupt: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, ok := decodeOutput(tt.msgType, json.RawMessage(tt.content))
			if !ok {
				t.Fatal("decodeOutput returned false, want true")
			}
			if chunk.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", chunk.Type, tt.wantType)
			}
			if chunk.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", chunk.Content, tt.wantContent)
			}
			if chunk.Stream != tt.wantStream {
				t.Errorf("Stream = %q, want %q", chunk.Stream, tt.wantStream)
			}
			if chunk.ExecutionCount != tt.wantCount {
				t.Errorf("ExecutionCount = %d, want %d", chunk.ExecutionCount, tt.wantCount)
			}
		})
	}
}

func TestDecodeOutput_NonOutputTypes(t *testing.T) {
	for _, msgType := range []string{"status", "execute_input", "execute_reply", "comm_msg", "unknown"} {
		if _, ok := decodeOutput(msgType, json.RawMessage(`{}`)); ok {
			t.Errorf("decodeOutput(%q) = true, want false", msgType)
		}
	}
}

func TestDecodeExecuteInput(t *testing.T) {
	in, err := decodeExecuteInput(json.RawMessage(`{"code":"x = 1","execution_count":7}`))
	if err != nil {
		t.Fatalf("decodeExecuteInput failed: %v", err)
	}
	if in.Code != "x = 1" {
		t.Errorf("Code = %q, want %q", in.Code, "x = 1")
	}
	if in.ExecutionCount != 7 {
		t.Errorf("ExecutionCount = %d, want 7", in.ExecutionCount)
	}
}
