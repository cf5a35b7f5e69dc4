// Package process provides utilities for finding and cleaning up kernel
// bootstrap processes and their runtime files.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/inkwell-core/logger"
)

// bootstrapMarker appears in the command line of every kernel bootstrap
// process spawned by the supervisor.
const bootstrapMarker = "inkwell-kernel"

// KernelProcess represents a running kernel bootstrap process found on the system.
type KernelProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// FindKernelProcesses finds all running kernel bootstrap processes on the
// system. This is useful for detecting orphaned kernels that may have been
// left behind after a crash.
func FindKernelProcesses() ([]KernelProcess, error) {
	var processes []KernelProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		// Use pgrep to find bootstrap processes
		cmd := exec.Command("pgrep", "-f", bootstrapMarker+".*--session")
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		pids := strings.Fields(string(output))
		for _, pidStr := range pids {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			// Get the full command line for this PID
			psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
			psOutput, err := psCmd.Output()
			if err != nil {
				continue
			}

			processes = append(processes, KernelProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		// Use tasklist on Windows. The CSV output carries no command line,
		// so session extraction only works on POSIX systems.
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq python*", "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}

		lines := strings.Split(string(output), "\n")
		for _, line := range lines {
			fields := strings.Split(line, ",")
			if len(fields) >= 2 {
				// Remove quotes from PID field
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, KernelProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found kernel processes", "count", len(processes))
	return processes, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("kill", "-9", strconv.Itoa(pid))
		return cmd.Run()
	case "windows":
		cmd := exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid))
		return cmd.Run()
	}
	return nil
}

// Terminate asks a process to exit by PID. On POSIX this sends SIGTERM;
// on Windows it uses taskkill without /F. Used by the staged shutdown
// between the stdin shutdown token and the hard kill.
func Terminate(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("kill", "-TERM", strconv.Itoa(pid))
		return cmd.Run()
	case "windows":
		cmd := exec.Command("taskkill", "/PID", strconv.Itoa(pid))
		return cmd.Run()
	}
	return nil
}

// FindOrphanedKernels finds kernel bootstrap processes whose session IDs
// aren't in the provided list of known session IDs.
func FindOrphanedKernels(knownSessionIDs map[string]bool) ([]KernelProcess, error) {
	allProcesses, err := FindKernelProcesses()
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []KernelProcess
	for _, proc := range allProcesses {
		sessionID := extractSessionID(proc.Command)
		if sessionID != "" && !knownSessionIDs[sessionID] {
			orphans = append(orphans, proc)
			log.Info("found orphaned kernel process", "pid", proc.PID, "sessionID", sessionID)
		}
	}

	return orphans, nil
}

// extractSessionID extracts the session ID from a bootstrap command line.
func extractSessionID(cmdLine string) string {
	_, after, ok := strings.Cut(cmdLine, "--session")
	if !ok {
		return ""
	}

	// Get the part after the flag
	rest := strings.TrimLeft(after, " =")

	// Extract the session ID (first space-separated token)
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// CleanupOrphanedKernels kills all kernel bootstrap processes that don't
// match known session IDs. Returns the number of processes killed.
func CleanupOrphanedKernels(knownSessionIDs map[string]bool) (int, error) {
	orphans, err := FindOrphanedKernels(knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned kernel process", "pid", proc.PID)
		if err := KillProcess(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}

// connectionFilePrefix and connectionFileExt bound the runtime-dir files
// the supervisor asks kernels to publish: kernel-<sessionID>.json.
const (
	connectionFilePrefix = "kernel-"
	connectionFileExt    = ".json"
)

// ConnectionFileName returns the runtime-dir file name for a session's
// connection descriptor.
func ConnectionFileName(sessionID string) string {
	return connectionFilePrefix + sessionID + connectionFileExt
}

// sessionFromConnectionFile extracts the session ID from a connection file
// name, or "" if the name doesn't match the kernel-<id>.json pattern.
func sessionFromConnectionFile(name string) string {
	if !strings.HasPrefix(name, connectionFilePrefix) || !strings.HasSuffix(name, connectionFileExt) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, connectionFilePrefix), connectionFileExt)
	return id
}

// StaleConnectionFiles lists connection files in dir whose session IDs are
// not in knownSessionIDs. Crashed kernels leave these behind.
func StaleConnectionFiles(dir string, knownSessionIDs map[string]bool) ([]string, error) {
	pattern := filepath.Join(dir, connectionFilePrefix+"*"+connectionFileExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan runtime dir: %w", err)
	}

	var stale []string
	for _, match := range matches {
		sessionID := sessionFromConnectionFile(filepath.Base(match))
		if sessionID == "" {
			continue
		}
		if !knownSessionIDs[sessionID] {
			stale = append(stale, match)
		}
	}
	return stale, nil
}

// PruneConnectionFiles removes stale connection files from dir.
// Returns the number of files removed.
func PruneConnectionFiles(dir string, knownSessionIDs map[string]bool) (int, error) {
	stale, err := StaleConnectionFiles(dir, knownSessionIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	removed := 0
	for _, path := range stale {
		log.Info("pruning stale connection file", "path", path)
		if err := os.Remove(path); err != nil {
			log.Error("failed to remove connection file", "path", path, "error", err)
			continue
		}
		removed++
	}

	return removed, nil
}
