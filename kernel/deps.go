package kernel

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/zhubert/inkwell-core/exec"
)

// requiredPackages are the Python packages the kernel wrapper imports on
// startup. Probed before spawn so a missing install fails with a clear
// message instead of a dead subprocess.
var requiredPackages = []string{"jupyter_client", "ipykernel"}

// InstallChoice is the user's answer when required packages are missing.
type InstallChoice int

const (
	// InstallCancel declines installation; the start fails.
	InstallCancel InstallChoice = iota
	// InstallPip installs via "<executable> -m pip install".
	InstallPip
	// InstallConda installs via "conda install -y".
	InstallConda
)

// InstallPrompter decides what to do about missing kernel packages.
// Implementations typically ask the user.
type InstallPrompter interface {
	ConfirmInstall(missing []string) InstallChoice
}

// RequiredPackages returns the Python packages the kernel needs.
func RequiredPackages() []string {
	return slices.Clone(requiredPackages)
}

// MissingPackages probes each required package with an import in the given
// interpreter and returns those that fail to load. Probe failures that are
// not import errors are reported as errors.
func MissingPackages(ctx context.Context, executor exec.CommandExecutor, executable string) ([]string, error) {
	var missing []string
	for _, pkg := range requiredPackages {
		_, stderr, err := executor.Run(ctx, "", executable, "-c", "import "+pkg)
		if err == nil {
			continue
		}
		text := string(stderr)
		if strings.Contains(text, "ModuleNotFoundError") || strings.Contains(text, "ImportError") {
			missing = append(missing, pkg)
			continue
		}
		return nil, fmt.Errorf("failed to probe for %s: %v", pkg, err)
	}
	return missing, nil
}

// verifyDependencies checks the kernel's Python packages before spawn,
// offering to install them when a prompter is configured.
func (s *Supervisor) verifyDependencies(ctx context.Context, executable string) error {
	missing, err := MissingPackages(ctx, s.executor, executable)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	s.log.Warn("kernel packages missing", "packages", strings.Join(missing, ", "))

	if s.prompter == nil {
		return fmt.Errorf("%w: %s", ErrDependencyMissing, strings.Join(missing, ", "))
	}

	choice := s.prompter.ConfirmInstall(missing)
	if choice == InstallCancel {
		return fmt.Errorf("%w: %s", ErrInstallCancelled, strings.Join(missing, ", "))
	}

	if err := s.installPackages(ctx, executable, missing, choice); err != nil {
		return err
	}

	// Re-probe so a failed or partial install is caught before spawn.
	missing, err = MissingPackages(ctx, s.executor, executable)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w after install: %s", ErrDependencyMissing, strings.Join(missing, ", "))
	}

	s.log.Info("kernel packages installed")
	return nil
}

// installPackages runs the chosen installer for the missing packages.
func (s *Supervisor) installPackages(ctx context.Context, executable string, packages []string, choice InstallChoice) error {
	var name string
	var args []string
	switch choice {
	case InstallPip:
		name = executable
		args = append([]string{"-m", "pip", "install"}, packages...)
	case InstallConda:
		name = "conda"
		args = append([]string{"install", "-y"}, packages...)
	default:
		return fmt.Errorf("unknown install choice %d", choice)
	}

	s.log.Info("installing kernel packages", "command", name+" "+strings.Join(args, " "))

	output, err := s.executor.CombinedOutput(ctx, "", name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg != "" {
			return fmt.Errorf("package install failed: %v: %s", err, msg)
		}
		return fmt.Errorf("package install failed: %v", err)
	}
	return nil
}
