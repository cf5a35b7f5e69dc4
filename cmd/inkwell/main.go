package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/inkwell-core/logger"
)

// version identifies this build. The run command compares it against the
// config's last-seen marker to notice upgrades.
const version = "0.1.0"

var (
	// Global flags
	verbose   bool
	kernelExe string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Run and talk to Jupyter kernels from the terminal",
	Long: `Inkwell owns the full lifecycle of a Jupyter kernel: it starts the
kernel process, waits for its connection file, speaks the wire protocol
over ZeroMQ, and tears everything down when you leave.

Use "inkwell check" to verify the environment is ready and "inkwell run"
for an interactive prompt or to execute a file.`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetDebug(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
