package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/inkwell-core/cli"
	"github.com/zhubert/inkwell-core/config"
	"github.com/zhubert/inkwell-core/exec"
	"github.com/zhubert/inkwell-core/kernel"
)

// checkCmd verifies the kernel environment
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the kernel environment is ready",
	Long: `Checks the PATH for the kernel launcher and package installers, then
asks the launcher for the Python packages the kernel needs
(jupyter_client and ipykernel).`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&kernelExe, "kernel", "", "Kernel launcher executable (default from config)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	executable := kernelExe
	if executable == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir, err := os.Getwd()
		if err != nil {
			return err
		}
		launch, err := cfg.KernelLaunch(dir)
		if err != nil {
			return err
		}
		executable = launch.Command
	}

	prereqs := cli.PrerequisitesFor(executable)
	fmt.Print(cli.FormatCheckResults(cli.CheckAll(prereqs)))

	if err := cli.ValidateRequired(prereqs); err != nil {
		return err
	}

	fmt.Printf("\nKernel packages (%s):\n", executable)
	missing, err := kernel.MissingPackages(cmd.Context(), exec.GetDefaultExecutor(), executable)
	if err != nil {
		return err
	}
	for _, pkg := range kernel.RequiredPackages() {
		if slices.Contains(missing, pkg) {
			fmt.Printf("  ✗ %s [missing]\n", pkg)
		} else {
			fmt.Printf("  ✓ %s\n", pkg)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing kernel packages: %s\n\nInstall with: %s -m pip install %s",
			strings.Join(missing, ", "), executable, strings.Join(missing, " "))
	}

	fmt.Println("\nAll checks passed.")
	return nil
}
