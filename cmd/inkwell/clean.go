package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/inkwell-core/paths"
	"github.com/zhubert/inkwell-core/process"
)

var cleanDryRun bool

// cleanCmd removes leftovers from crashed sessions
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Kill orphaned kernels and prune stale connection files",
	Long: `Finds kernel bootstrap processes left behind by crashed sessions and
kills them, then removes the connection files they left in the runtime
directory. With --dry-run the targets are listed but left alone.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "List targets without killing or deleting anything")
}

func runClean(cmd *cobra.Command, args []string) error {
	// A standalone invocation owns no live sessions, so every kernel
	// carrying the bootstrap marker is an orphan.
	known := map[string]bool{}

	runtimeDir, err := paths.RuntimeDir()
	if err != nil {
		return err
	}

	if cleanDryRun {
		orphans, err := process.FindOrphanedKernels(known)
		if err != nil {
			return err
		}
		stale, err := process.StaleConnectionFiles(runtimeDir, known)
		if err != nil {
			return err
		}
		for _, proc := range orphans {
			fmt.Printf("would kill pid %d: %s\n", proc.PID, proc.Command)
		}
		for _, path := range stale {
			fmt.Printf("would remove %s\n", path)
		}
		if len(orphans) == 0 && len(stale) == 0 {
			fmt.Println("Nothing to clean.")
		}
		return nil
	}

	killed, err := process.CleanupOrphanedKernels(known)
	if err != nil {
		return err
	}
	pruned, err := process.PruneConnectionFiles(runtimeDir, known)
	if err != nil {
		return err
	}
	fmt.Printf("Killed %d orphaned kernels, removed %d stale connection files.\n", killed, pruned)
	return nil
}
