package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/inkwell-core/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the default log file path for the main process
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "inkwell.log"), nil
}

// KernelLogPath returns the log path for a kernel session's process output
func KernelLogPath(sessionID string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("kernel-%s.log", sessionID)), nil
}

// TrafficLogPath returns the log path for raw wire traffic of a session
func TrafficLogPath(sessionID string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("traffic-%s.log", sessionID)), nil
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init initializes the logger with a custom path. Must be called before logging.
// If not called, the default path will be used on first log call.
// Returns an error if the log file cannot be opened.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}

	if os.Getenv("INKWELL_DEBUG") != "" {
		levelVar.Set(slog.LevelDebug)
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath = path
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true

	root.Info("logger initialized", "path", path)
	return nil
}

// ensureInit initializes the logger with default settings if not already initialized.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}

	if os.Getenv("INKWELL_DEBUG") != "" {
		levelVar.Set(slog.LevelDebug)
	}

	defaultPath, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}

	// Ensure the logs directory exists
	dir := filepath.Dir(defaultPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", dir, err)
		return
	}

	logPath = defaultPath
	f, err := os.OpenFile(defaultPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open log file %s: %v\n", defaultPath, err)
		return
	}
	logFile = f
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true

	root.Info("logger initialized", "path", defaultPath)
}

// Get returns the root logger instance.
// Use this when you don't have session context.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default()
	}
	return root
}

// WithSession returns a logger with the session ID attached.
// All log entries from this logger will include sessionID as a structured field.
//
// Example:
//
//	log := logger.WithSession(sess.ID)
//	log.Info("supervisor created", "executable", exe)
//	// Output: level=INFO msg="supervisor created" sessionID=abc123 executable=python3
func WithSession(sessionID string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default().With("sessionID", sessionID)
	}
	return root.With("sessionID", sessionID)
}

// WithComponent returns a logger with the component name attached.
// Useful for non-session-scoped logging where you want to identify the source.
//
// Example:
//
//	log := logger.WithComponent("protocol")
//	log.Info("socket connected", "endpoint", ep)
//	// Output: level=INFO msg="socket connected" component=protocol endpoint=tcp://...
func WithComponent(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default().With("component", component)
	}
	return root.With("component", component)
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}

// ClearLogs removes all inkwell log files from the logs directory
func ClearLogs() (int, error) {
	count := 0

	// Get default log path and derive directory from it
	defaultPath, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("failed to get default log path: %w", err)
	}
	dir := filepath.Dir(defaultPath)

	// Remove main log
	if err := os.Remove(defaultPath); err == nil {
		count++
	} else if !os.IsNotExist(err) {
		return count, err
	}

	// Remove kernel session logs using glob pattern
	kernelPattern := filepath.Join(dir, "kernel-*.log")
	kernelLogs, err := filepath.Glob(kernelPattern)
	if err != nil {
		return count, err
	}

	for _, logPath := range kernelLogs {
		if err := os.Remove(logPath); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}

	// Remove traffic session logs using glob pattern
	trafficPattern := filepath.Join(dir, "traffic-*.log")
	trafficLogs, err := filepath.Glob(trafficPattern)
	if err != nil {
		return count, err
	}

	for _, logPath := range trafficLogs {
		if err := os.Remove(logPath); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}

	return count, nil
}
