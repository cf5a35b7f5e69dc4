package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const projectFileName = "kernel.yaml"
const projectDir = ".inkwell"

// KernelOverrides is the per-project slice of kernel settings. All fields
// are optional; unset fields inherit from the global config.
type KernelOverrides struct {
	Command     string            `yaml:"command,omitempty"`      // Kernel launcher command
	Args        []string          `yaml:"args,omitempty"`         // Extra launcher arguments, appended after the global ones
	Env         map[string]string `yaml:"env,omitempty"`          // Extra environment variables
	Timeouts    Timeouts          `yaml:"timeouts,omitempty"`     // Lifecycle timing knobs; zero fields inherit
	Verbose     *bool             `yaml:"verbose,omitempty"`      // Raw protocol traffic logging
	StartupCode string            `yaml:"startup_code,omitempty"` // Code executed after each connect
}

// ProjectConfig is the parsed form of a workspace's .inkwell/kernel.yaml.
type ProjectConfig struct {
	Kernel KernelOverrides `yaml:"kernel"`
}

// KernelSettings is the resolved launch plan for one workspace: the
// global config with any project overrides applied.
type KernelSettings struct {
	Command         string
	Args            []string
	Env             []string // KEY=VALUE pairs, sorted
	ConnectionWait  time.Duration
	TermDelay       time.Duration
	ShutdownCeiling time.Duration
	SettleDelay     time.Duration
	InterruptGrace  time.Duration
	Execution       time.Duration
	Verbose         bool
	StartupCode     string
}

// LoadProject reads and parses .inkwell/kernel.yaml from the given
// workspace path. Returns nil, nil if the file does not exist.
func LoadProject(workspacePath string) (*ProjectConfig, error) {
	fp := filepath.Join(workspacePath, projectDir, projectFileName)

	data, err := os.ReadFile(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read kernel config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse kernel config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the project config for obviously broken values.
func (p *ProjectConfig) Validate() error {
	for i, arg := range p.Kernel.Args {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("kernel config: args[%d] is empty", i)
		}
	}
	for key := range p.Kernel.Env {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("kernel config: env has an empty variable name")
		}
	}

	t := p.Kernel.Timeouts
	for name, v := range map[string]int{
		"connection_wait_sec":  t.ConnectionWaitSec,
		"term_delay_sec":       t.TermDelaySec,
		"shutdown_ceiling_sec": t.ShutdownCeilingSec,
		"settle_delay_sec":     t.SettleDelaySec,
		"interrupt_grace_sec":  t.InterruptGraceSec,
		"execution_sec":        t.ExecutionSec,
	} {
		if v < 0 {
			return fmt.Errorf("kernel config: timeout %s must not be negative, got %d", name, v)
		}
	}

	return nil
}

// Merge overlays the project's kernel overrides onto the global config.
// Fields set in the project win; everything else inherits the resolved
// global value. A nil project yields the global settings unchanged.
func Merge(project *ProjectConfig, global *Config) KernelSettings {
	settings := KernelSettings{
		Command:         global.GetExecutable(),
		Args:            global.GetArgs(),
		ConnectionWait:  global.GetConnectionWait(),
		TermDelay:       global.GetTermDelay(),
		ShutdownCeiling: global.GetShutdownCeiling(),
		SettleDelay:     global.GetSettleDelay(),
		InterruptGrace:  global.GetInterruptGrace(),
		Execution:       global.GetExecutionTimeout(),
		Verbose:         global.GetVerbose(),
	}
	if project == nil {
		return settings
	}

	k := project.Kernel
	if k.Command != "" {
		settings.Command = k.Command
	}
	settings.Args = append(settings.Args, k.Args...)
	for key, value := range k.Env {
		settings.Env = append(settings.Env, key+"="+value)
	}
	slices.Sort(settings.Env)

	t := k.Timeouts
	if t.ConnectionWaitSec > 0 {
		settings.ConnectionWait = time.Duration(t.ConnectionWaitSec) * time.Second
	}
	if t.TermDelaySec > 0 {
		settings.TermDelay = time.Duration(t.TermDelaySec) * time.Second
	}
	if t.ShutdownCeilingSec > 0 {
		settings.ShutdownCeiling = time.Duration(t.ShutdownCeilingSec) * time.Second
	}
	if t.SettleDelaySec > 0 {
		settings.SettleDelay = time.Duration(t.SettleDelaySec) * time.Second
	}
	if t.InterruptGraceSec > 0 {
		settings.InterruptGrace = time.Duration(t.InterruptGraceSec) * time.Second
	}
	if t.ExecutionSec > 0 {
		settings.Execution = time.Duration(t.ExecutionSec) * time.Second
	}

	if k.Verbose != nil {
		settings.Verbose = *k.Verbose
	}
	settings.StartupCode = k.StartupCode

	return settings
}

// LoadAndMerge resolves the kernel settings for a workspace by layering
// its project file over the global config. The per-workspace executable
// override applies only when the project file does not name a command.
func LoadAndMerge(global *Config, workspacePath string) (KernelSettings, error) {
	project, err := LoadProject(workspacePath)
	if err != nil {
		return KernelSettings{}, err
	}

	settings := Merge(project, global)
	if project == nil || project.Kernel.Command == "" {
		if override := global.GetWorkspaceExecutable(workspacePath); override != "" {
			settings.Command = override
		}
	}

	return settings, nil
}

// KernelLaunch resolves the launch settings for code running in the
// given workspace.
func (c *Config) KernelLaunch(workspacePath string) (KernelSettings, error) {
	return LoadAndMerge(c, workspacePath)
}
