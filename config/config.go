package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/inkwell-core/paths"
)

// Default timeout values, in seconds. Used when the corresponding
// Timeouts field is zero or negative.
const (
	DefaultConnectionWaitSec  = 30
	DefaultTermDelaySec       = 2
	DefaultShutdownCeilingSec = 10
	DefaultSettleDelaySec     = 1
	DefaultInterruptGraceSec  = 5
	DefaultExecutionSec       = 120
)

// DefaultExecutable is the kernel launcher used when none is configured.
const DefaultExecutable = "python3"

// Timeouts holds the tunable delays for kernel lifecycle and execution.
// All values are in seconds; zero means "use the default".
type Timeouts struct {
	ConnectionWaitSec  int `json:"connection_wait_sec,omitempty" yaml:"connection_wait_sec,omitempty"`   // Wait for kernel to publish its connection file
	TermDelaySec       int `json:"term_delay_sec,omitempty" yaml:"term_delay_sec,omitempty"`             // Grace after shutdown request before terminating
	ShutdownCeilingSec int `json:"shutdown_ceiling_sec,omitempty" yaml:"shutdown_ceiling_sec,omitempty"` // Hard ceiling before the process is killed
	SettleDelaySec     int `json:"settle_delay_sec,omitempty" yaml:"settle_delay_sec,omitempty"`         // Pause between stop and start during restart
	InterruptGraceSec  int `json:"interrupt_grace_sec,omitempty" yaml:"interrupt_grace_sec,omitempty"`   // Window for the kernel to go idle after interrupt
	ExecutionSec       int `json:"execution_sec,omitempty" yaml:"execution_sec,omitempty"`               // Per-execution reply timeout
}

// Config holds the application configuration
type Config struct {
	Workspaces          []string          `json:"workspaces"`                     // Directories opened in the editor
	WorkspaceExecutable map[string]string `json:"workspace_executable,omitempty"` // Per-workspace kernel executable override
	Executable          string            `json:"executable,omitempty"`           // Default kernel launcher (e.g. "python3")
	Args                []string          `json:"args,omitempty"`                 // Extra launcher arguments
	Verbose             bool              `json:"verbose,omitempty"`              // Log raw protocol traffic
	Timeouts            Timeouts          `json:"timeouts,omitempty"`             // Kernel lifecycle timing knobs

	WelcomeShown    bool   `json:"welcome_shown,omitempty"`     // Whether the first-run notice has been shown
	LastSeenVersion string `json:"last_seen_version,omitempty"` // Last version the user has run

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Workspaces:          []string{},
		WorkspaceExecutable: make(map[string]string),
		filePath:            path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices and maps are initialized (not nil) after unmarshaling
	// This must happen before Validate() since Validate() only reads
	cfg.ensureInitialized()

	// Validate loaded config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all slices and maps are initialized (not nil).
// This is called during Load() after unmarshaling, and must be called
// before Validate() since Validate() only reads.
//
// Thread-safety: This method is NOT thread-safe and must only be called
// during single-threaded initialization (i.e., from Load() before the Config
// is shared across goroutines). This is safe because Load() is called once
// at application startup before any concurrent access is possible.
func (c *Config) ensureInitialized() {
	if c.Workspaces == nil {
		c.Workspaces = []string{}
	}
	if c.WorkspaceExecutable == nil {
		c.WorkspaceExecutable = make(map[string]string)
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Check for duplicate workspaces (filesystem-aware: handles case, symlinks)
	for i, ws := range c.Workspaces {
		if ws == "" {
			return fmt.Errorf("empty workspace path found")
		}
		for j := i + 1; j < len(c.Workspaces); j++ {
			if SamePath(ws, c.Workspaces[j]) {
				return fmt.Errorf("duplicate workspace: %s", ws)
			}
		}
	}

	for i, arg := range c.Args {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("args[%d] is empty", i)
		}
	}

	// Timeout knobs must not be negative; zero means default
	t := c.Timeouts
	for name, v := range map[string]int{
		"connection_wait_sec":  t.ConnectionWaitSec,
		"term_delay_sec":       t.TermDelaySec,
		"shutdown_ceiling_sec": t.ShutdownCeilingSec,
		"settle_delay_sec":     t.SettleDelaySec,
		"interrupt_grace_sec":  t.InterruptGraceSec,
		"execution_sec":        t.ExecutionSec,
	} {
		if v < 0 {
			return fmt.Errorf("timeout %s must not be negative, got %d", name, v)
		}
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// AddWorkspace adds a workspace path if it doesn't already exist.
// The path is resolved to an absolute path before storing.
func (c *Config) AddWorkspace(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	// Check if already exists (filesystem-aware: handles case, symlinks)
	for _, w := range c.Workspaces {
		if SamePath(w, absPath) {
			return false
		}
	}

	c.Workspaces = append(c.Workspaces, absPath)
	return true
}

// RemoveWorkspace removes a workspace from the config.
// Returns true if the workspace was found and removed, false otherwise.
func (c *Config) RemoveWorkspace(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, w := range c.Workspaces {
		if SamePath(w, path) {
			c.Workspaces = append(c.Workspaces[:i], c.Workspaces[i+1:]...)
			return true
		}
	}
	return false
}

// GetWorkspaces returns a copy of the workspaces slice
func (c *Config) GetWorkspaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	workspaces := make([]string, len(c.Workspaces))
	copy(workspaces, c.Workspaces)
	return workspaces
}

// GetExecutable returns the default kernel launcher, defaulting to "python3"
func (c *Config) GetExecutable() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Executable == "" {
		return DefaultExecutable
	}
	return c.Executable
}

// SetExecutable sets the default kernel launcher
func (c *Config) SetExecutable(exe string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Executable = exe
}

// GetArgs returns a copy of the extra launcher arguments
func (c *Config) GetArgs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	args := make([]string, len(c.Args))
	copy(args, c.Args)
	return args
}

// SetArgs sets the extra launcher arguments
func (c *Config) SetArgs(args []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Args = args
}

// GetWorkspaceExecutable returns the kernel executable override for a
// workspace, or empty string if not configured
func (c *Config) GetWorkspaceExecutable(workspacePath string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.WorkspaceExecutable == nil {
		return ""
	}
	resolved := resolveWorkspacePath(c.Workspaces, workspacePath)
	return c.WorkspaceExecutable[resolved]
}

// SetWorkspaceExecutable sets the kernel executable override for a workspace
func (c *Config) SetWorkspaceExecutable(workspacePath, exe string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WorkspaceExecutable == nil {
		c.WorkspaceExecutable = make(map[string]string)
	}
	resolved := resolveWorkspacePath(c.Workspaces, workspacePath)
	if exe == "" {
		delete(c.WorkspaceExecutable, resolved)
	} else {
		c.WorkspaceExecutable[resolved] = exe
	}
}

// HasWorkspaceExecutable returns true if the workspace has an executable override
func (c *Config) HasWorkspaceExecutable(workspacePath string) bool {
	return c.GetWorkspaceExecutable(workspacePath) != ""
}

// GetVerbose returns whether raw protocol traffic logging is enabled
func (c *Config) GetVerbose() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Verbose
}

// SetVerbose sets whether raw protocol traffic logging is enabled
func (c *Config) SetVerbose(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Verbose = enabled
}

// GetConnectionWait returns how long to wait for the kernel to publish
// its connection file, defaulting to 30 seconds
func (c *Config) GetConnectionWait() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.ConnectionWaitSec, DefaultConnectionWaitSec)
}

// GetTermDelay returns the grace period between the shutdown request and
// terminating the process, defaulting to 2 seconds
func (c *Config) GetTermDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.TermDelaySec, DefaultTermDelaySec)
}

// GetShutdownCeiling returns the hard ceiling on shutdown before the
// process is killed, defaulting to 10 seconds
func (c *Config) GetShutdownCeiling() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.ShutdownCeilingSec, DefaultShutdownCeilingSec)
}

// GetSettleDelay returns the pause between stop and start during a
// restart, defaulting to 1 second
func (c *Config) GetSettleDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.SettleDelaySec, DefaultSettleDelaySec)
}

// GetInterruptGrace returns the window the kernel has to go idle after an
// interrupt before it is considered stuck, defaulting to 5 seconds
func (c *Config) GetInterruptGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.InterruptGraceSec, DefaultInterruptGraceSec)
}

// GetExecutionTimeout returns the per-execution reply timeout, defaulting
// to 120 seconds
func (c *Config) GetExecutionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOrDefault(c.Timeouts.ExecutionSec, DefaultExecutionSec)
}

// SetTimeouts replaces the timeout knobs
func (c *Config) SetTimeouts(t Timeouts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Timeouts = t
}

func secondsOrDefault(sec, def int) time.Duration {
	if sec <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(sec) * time.Second
}

// HasSeenWelcome returns whether the first-run notice has been shown
func (c *Config) HasSeenWelcome() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WelcomeShown
}

// MarkWelcomeShown marks the first-run notice as shown
func (c *Config) MarkWelcomeShown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WelcomeShown = true
}

// GetLastSeenVersion returns the last version the user has run
func (c *Config) GetLastSeenVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastSeenVersion
}

// SetLastSeenVersion records the version the user is running
func (c *Config) SetLastSeenVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastSeenVersion = version
}
