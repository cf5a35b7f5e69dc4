package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/zhubert/inkwell-core/config"
	"github.com/zhubert/inkwell-core/kernel"
	"github.com/zhubert/inkwell-core/protocol"
)

// clientQueue hands out mock clients in order and records the connection
// file each factory call asked for. The last client is reused once the
// queue runs out.
type clientQueue struct {
	clients []*protocol.MockClient
	files   []string
}

func newClientQueue(clients ...*protocol.MockClient) *clientQueue {
	return &clientQueue{clients: clients}
}

func (q *clientQueue) factory(connectionFile string) protocol.ClientInterface {
	q.files = append(q.files, connectionFile)
	idx := len(q.files) - 1
	if idx >= len(q.clients) {
		idx = len(q.clients) - 1
	}
	return q.clients[idx]
}

func newTestSession(t *testing.T) (*Session, *kernel.MockSupervisor, *protocol.MockClient) {
	t.Helper()
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/tmp/inkwell-test/kernel-test-session.json")
	client := protocol.NewMockClient()
	sess := NewWithCollaborators("test-session", sup, newClientQueue(client).factory)
	return sess, sup, client
}

func startSession(t *testing.T, sess *Session) {
	t.Helper()
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func collectChunks(t *testing.T, ch <-chan protocol.ExecChunk) []protocol.ExecChunk {
	t.Helper()
	var chunks []protocol.ExecChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timed out draining execution output")
		}
	}
}

func TestNewWithCollaborators_GeneratesID(t *testing.T) {
	sup := kernel.NewMockSupervisor("")
	sess := NewWithCollaborators("", sup, newClientQueue(protocol.NewMockClient()).factory)
	if sess.ID() == "" {
		t.Error("expected a generated session ID")
	}
}

func TestNewWithCollaborators_KeepsID(t *testing.T) {
	sess, _, _ := newTestSession(t)
	if sess.ID() != "test-session" {
		t.Errorf("ID = %q, want %q", sess.ID(), "test-session")
	}
}

func TestNew_WiresSupervisor(t *testing.T) {
	cfg := &config.Config{Executable: "python3.12"}
	sess, err := New(cfg, Options{SessionID: "fixed-id", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if sess.ID() != "fixed-id" {
		t.Errorf("ID = %q, want %q", sess.ID(), "fixed-id")
	}
	if got := sess.Supervisor().SessionID(); got != "fixed-id" {
		t.Errorf("supervisor session ID = %q, want %q", got, "fixed-id")
	}
	if got := sess.Supervisor().Executable(); got != "python3.12" {
		t.Errorf("executable = %q, want %q", got, "python3.12")
	}
	if sess.Connected() {
		t.Error("new session should not be connected")
	}
	if sess.State() != kernel.StateStopped {
		t.Errorf("state = %v, want %v", sess.State(), kernel.StateStopped)
	}
}

func TestNew_WorkspaceExecutableOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Workspaces:          []string{dir},
		Executable:          "python3",
		WorkspaceExecutable: map[string]string{dir: "/opt/venv/bin/python"},
	}
	sess, err := New(cfg, Options{Dir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := sess.Supervisor().Executable(); got != "/opt/venv/bin/python" {
		t.Errorf("executable = %q, want workspace override %q", got, "/opt/venv/bin/python")
	}
}

func TestNew_DefaultExecutable(t *testing.T) {
	sess, err := New(&config.Config{}, Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := sess.Supervisor().Executable(); got != config.DefaultExecutable {
		t.Errorf("executable = %q, want %q", got, config.DefaultExecutable)
	}
}

func TestNew_ProjectFileOverrides(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".inkwell"), 0755); err != nil {
		t.Fatal(err)
	}
	yaml := "kernel:\n  command: /opt/conda/bin/python\n  startup_code: \"import numpy\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".inkwell", "kernel.yaml"), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Executable: "python3"}
	sess, err := New(cfg, Options{Dir: dir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := sess.Supervisor().Executable(); got != "/opt/conda/bin/python" {
		t.Errorf("executable = %q, want project command %q", got, "/opt/conda/bin/python")
	}
	if sess.startup != "import numpy" {
		t.Errorf("startup = %q, want %q", sess.startup, "import numpy")
	}
}

func TestNew_ProjectFileMalformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".inkwell"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".inkwell", "kernel.yaml"), []byte("kernel: [broken"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(&config.Config{}, Options{Dir: dir}); err == nil {
		t.Fatal("expected error for malformed project file")
	}
}

func TestStartupCode_RunsAfterConnect(t *testing.T) {
	sess, _, client := newTestSession(t)
	sess.startup = "import numpy"
	startSession(t, sess)

	if got := client.ExecutedCode(); !slices.Equal(got, []string{"import numpy"}) {
		t.Errorf("executed = %v, want startup code", got)
	}
}

func TestStartupCode_RerunsOnRestart(t *testing.T) {
	queue := newClientQueue(protocol.NewMockClient(), protocol.NewMockClient())
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/tmp/inkwell-test/kernel-test-session.json")
	sess := NewWithCollaborators("test-session", sup, queue.factory)
	sess.startup = "import numpy"
	startSession(t, sess)

	if err := sess.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	second := queue.clients[1]
	if got := second.ExecutedCode(); !slices.Equal(got, []string{"import numpy"}) {
		t.Errorf("executed on fresh client = %v, want startup code", got)
	}
}

func TestStart(t *testing.T) {
	sess, sup, client := newTestSession(t)
	startSession(t, sess)

	if sup.StartCount() != 1 {
		t.Errorf("StartCount = %d, want 1", sup.StartCount())
	}
	if !client.Connected() {
		t.Error("client should be connected after Start")
	}
	if !sess.Connected() {
		t.Error("session should report connected after Start")
	}
	if sess.State() != kernel.StateRunning {
		t.Errorf("state = %v, want %v", sess.State(), kernel.StateRunning)
	}
}

func TestStart_SupervisorError(t *testing.T) {
	sup := kernel.NewMockSupervisor("test-session")
	startErr := errors.New("spawn failed")
	sup.StartErr = startErr
	queue := newClientQueue(protocol.NewMockClient())
	sess := NewWithCollaborators("test-session", sup, queue.factory)

	if err := sess.Start(context.Background()); !errors.Is(err, startErr) {
		t.Fatalf("Start error = %v, want %v", err, startErr)
	}
	if len(queue.files) != 0 {
		t.Errorf("client factory called %d times, want 0", len(queue.files))
	}
	if sess.Connected() {
		t.Error("session should not be connected after failed Start")
	}
}

func TestStart_ConnectFailureStopsKernel(t *testing.T) {
	sess, sup, client := newTestSession(t)
	client.ConnectErr = errors.New("connection refused")

	err := sess.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail when connect fails")
	}
	if sup.StopCount() != 1 {
		t.Errorf("StopCount = %d, want 1 (kernel should be stopped after connect failure)", sup.StopCount())
	}
	if sess.Connected() {
		t.Error("session should not be connected")
	}
}

func TestStart_FactoryReceivesConnectionFile(t *testing.T) {
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/run/user/kernel-test-session.json")
	queue := newClientQueue(protocol.NewMockClient())
	sess := NewWithCollaborators("test-session", sup, queue.factory)
	startSession(t, sess)

	want := []string{"/run/user/kernel-test-session.json"}
	if !slices.Equal(queue.files, want) {
		t.Errorf("factory files = %v, want %v", queue.files, want)
	}
}

func TestExecute_Delegates(t *testing.T) {
	sess, _, client := newTestSession(t)
	startSession(t, sess)

	client.QueueChunks(
		protocol.ExecChunk{Type: protocol.ChunkTypeStream, Stream: "stdout", Content: "hello\n"},
		protocol.ExecChunk{Type: protocol.ChunkTypeResult, Content: "42", Done: true},
	)

	chunks := collectChunks(t, sess.Execute(context.Background(), "print('hello'); 42"))

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Content != "hello\n" {
		t.Errorf("chunk 0 content = %q, want %q", chunks[0].Content, "hello\n")
	}
	if !chunks[1].Done {
		t.Error("final chunk should have Done set")
	}

	executed := client.ExecutedCode()
	if len(executed) != 1 || executed[0] != "print('hello'); 42" {
		t.Errorf("executed code = %v", executed)
	}
}

func TestExecute_NotStarted(t *testing.T) {
	sess, _, _ := newTestSession(t)

	chunks := collectChunks(t, sess.Execute(context.Background(), "1 + 1"))

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if !errors.Is(chunks[0].Error, protocol.ErrNotConnected) {
		t.Errorf("chunk error = %v, want ErrNotConnected", chunks[0].Error)
	}
	if !chunks[0].Done {
		t.Error("error chunk should have Done set")
	}
}

func TestExecute_AfterShutdown(t *testing.T) {
	sess, _, _ := newTestSession(t)
	startSession(t, sess)
	if err := sess.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	chunks := collectChunks(t, sess.Execute(context.Background(), "1 + 1"))
	if len(chunks) != 1 || !errors.Is(chunks[0].Error, protocol.ErrNotConnected) {
		t.Errorf("chunks = %+v, want single ErrNotConnected chunk", chunks)
	}
}

func TestInterrupt_UsesProcessChannel(t *testing.T) {
	sess, sup, client := newTestSession(t)
	startSession(t, sess)

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if sup.InterruptCount() != 1 {
		t.Errorf("supervisor InterruptCount = %d, want 1", sup.InterruptCount())
	}
	if client.InterruptCount() != 0 {
		t.Errorf("protocol InterruptCount = %d, want 0 (interrupts go through the process)", client.InterruptCount())
	}
}

func TestInterrupt_NotStarted(t *testing.T) {
	sess, _, _ := newTestSession(t)
	if err := sess.Interrupt(); !errors.Is(err, kernel.ErrNotRunning) {
		t.Errorf("Interrupt error = %v, want ErrNotRunning", err)
	}
}

func TestStatusForwarding(t *testing.T) {
	sess, sup, client := newTestSession(t)

	var seen []protocol.Status
	sess.OnStatus(func(state protocol.Status) {
		seen = append(seen, state)
	})

	startSession(t, sess)
	client.SimulateStatus(protocol.StatusBusy)
	client.SimulateStatus(protocol.StatusIdle)

	want := []protocol.Status{protocol.StatusBusy, protocol.StatusIdle}
	if !slices.Equal(seen, want) {
		t.Errorf("observer saw %v, want %v", seen, want)
	}
	if !slices.Equal(sup.StatusChanges(), []bool{true, false}) {
		t.Errorf("supervisor saw %v, want [true false]", sup.StatusChanges())
	}
}

func TestStatusForwarding_SupervisorFirst(t *testing.T) {
	sess, sup, client := newTestSession(t)

	var supSawFirst bool
	sess.OnStatus(func(protocol.Status) {
		supSawFirst = len(sup.StatusChanges()) == 1
	})

	startSession(t, sess)
	client.SimulateStatus(protocol.StatusBusy)

	if !supSawFirst {
		t.Error("supervisor should hear the status change before observers")
	}
}

func TestStatusForwarding_ObserverOrder(t *testing.T) {
	sess, _, client := newTestSession(t)

	var order []string
	sess.OnStatus(func(protocol.Status) { order = append(order, "first") })
	sess.OnStatus(func(protocol.Status) { order = append(order, "second") })

	startSession(t, sess)
	client.SimulateStatus(protocol.StatusIdle)

	if !slices.Equal(order, []string{"first", "second"}) {
		t.Errorf("observer order = %v, want [first second]", order)
	}
}

func TestShutdown_DisconnectBeforeStop(t *testing.T) {
	sess, sup, client := newTestSession(t)
	startSession(t, sess)

	var events []string
	client.OnDisconnect = func() { events = append(events, "disconnect") }
	sup.OnStop = func() { events = append(events, "stop") }

	if err := sess.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !slices.Equal(events, []string{"disconnect", "stop"}) {
		t.Errorf("teardown order = %v, want [disconnect stop]", events)
	}
	if sess.Connected() {
		t.Error("session should not be connected after Shutdown")
	}
	if sess.State() != kernel.StateStopped {
		t.Errorf("state = %v, want %v", sess.State(), kernel.StateStopped)
	}
}

func TestShutdown_NotStarted(t *testing.T) {
	sess, sup, _ := newTestSession(t)
	if err := sess.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on unstarted session: %v", err)
	}
	if sup.StopCount() != 1 {
		t.Errorf("StopCount = %d, want 1", sup.StopCount())
	}
}

func TestRestart_ConnectsFreshClient(t *testing.T) {
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/tmp/kernel-first.json")
	first := protocol.NewMockClient()
	second := protocol.NewMockClient()
	queue := newClientQueue(first, second)
	sess := NewWithCollaborators("test-session", sup, queue.factory)
	startSession(t, sess)

	sup.SetPendingConnectionFile("/tmp/kernel-second.json")
	if err := sess.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	if sup.RestartCount() != 1 {
		t.Errorf("RestartCount = %d, want 1", sup.RestartCount())
	}
	want := []string{"/tmp/kernel-first.json", "/tmp/kernel-second.json"}
	if !slices.Equal(queue.files, want) {
		t.Errorf("factory files = %v, want %v", queue.files, want)
	}
	if first.Connected() {
		t.Error("old client should be disconnected")
	}
	if !second.Connected() {
		t.Error("fresh client should be connected")
	}
	if !sess.Connected() {
		t.Error("session should be connected after Restart")
	}
}

func TestRestart_SupervisorError(t *testing.T) {
	sess, sup, client := newTestSession(t)
	startSession(t, sess)

	sup.RestartErr = errors.New("stuck process")
	err := sess.Restart(context.Background())
	if err == nil {
		t.Fatal("expected Restart to fail")
	}
	if client.Connected() {
		t.Error("old client should be disconnected even when restart fails")
	}
	if sess.Connected() {
		t.Error("session should not be connected after failed Restart")
	}
}

func TestRestart_ConnectFailureStopsKernel(t *testing.T) {
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/tmp/kernel-test.json")
	first := protocol.NewMockClient()
	second := protocol.NewMockClient()
	second.ConnectErr = errors.New("connection refused")
	sess := NewWithCollaborators("test-session", sup, newClientQueue(first, second).factory)
	startSession(t, sess)

	err := sess.Restart(context.Background())
	if err == nil {
		t.Fatal("expected Restart to fail when reconnect fails")
	}
	if sup.StopCount() != 1 {
		t.Errorf("StopCount = %d, want 1 (kernel should be stopped after reconnect failure)", sup.StopCount())
	}
	if sess.Connected() {
		t.Error("session should not be connected")
	}
}

func TestRestart_ObserversSurvive(t *testing.T) {
	sup := kernel.NewMockSupervisor("test-session")
	sup.SetPendingConnectionFile("/tmp/kernel-test.json")
	first := protocol.NewMockClient()
	second := protocol.NewMockClient()
	sess := NewWithCollaborators("test-session", sup, newClientQueue(first, second).factory)

	var seen []protocol.Status
	sess.OnStatus(func(state protocol.Status) {
		seen = append(seen, state)
	})

	startSession(t, sess)
	if err := sess.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	second.SimulateStatus(protocol.StatusBusy)
	if !slices.Equal(seen, []protocol.Status{protocol.StatusBusy}) {
		t.Errorf("observer saw %v, want [busy] from the fresh client", seen)
	}
}

func TestOnStuck_Delegates(t *testing.T) {
	sess, sup, _ := newTestSession(t)

	stuck := make(chan struct{}, 1)
	sess.OnStuck(func() { stuck <- struct{}{} })

	sup.SimulateStuck()
	select {
	case <-stuck:
	default:
		t.Error("stuck callback should have fired")
	}
}

func TestState_ReflectsKernelDeath(t *testing.T) {
	sess, sup, _ := newTestSession(t)
	startSession(t, sess)

	sup.SimulateDeath()
	if sess.State() != kernel.StateStopped {
		t.Errorf("state = %v, want %v after kernel death", sess.State(), kernel.StateStopped)
	}
}
