package kernel

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhubert/inkwell-core/paths"
)

// bootstrapScript is the Python wrapper that starts a Jupyter kernel in the
// configured interpreter's environment and bridges stdin control tokens to
// kernel actions.
//
//go:embed inkwell-kernel.py
var bootstrapScript []byte

// bootstrapName is the file name the script is written under. Process
// discovery matches it in kernel command lines.
const bootstrapName = "inkwell-kernel.py"

// writeBootstrap writes the wrapper script into the runtime directory and
// returns its path. Rewritten on every start so upgrades take effect.
func writeBootstrap() (string, error) {
	dir, err := paths.RuntimeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve runtime dir: %v", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create runtime dir: %v", err)
	}
	path := filepath.Join(dir, bootstrapName)
	if err := os.WriteFile(path, bootstrapScript, 0644); err != nil {
		return "", fmt.Errorf("failed to write bootstrap script: %v", err)
	}
	return path, nil
}

// BuildKernelArgs builds the launcher's argument list for a session.
// Extra args are interpreter flags and go before the script path; the
// bootstrap's own argument parser rejects flags it does not know.
// Exported for tests that verify argument construction.
func BuildKernelArgs(cfg Config, scriptPath, runtimeDir string) []string {
	args := append([]string{}, cfg.Args...)
	args = append(args, scriptPath, "--session", cfg.SessionID, "--runtime-dir", runtimeDir)
	if cfg.Dir != "" {
		args = append(args, "--cwd", cfg.Dir)
	}
	return args
}
