// Package cli provides utilities for CLI tool management and validation.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Command name (e.g., "python3", "pip")
	Required    bool   // Whether the tool is required to run the app
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// DefaultPrerequisites returns the list of CLI tools needed by Inkwell
// with the stock python3 launcher.
func DefaultPrerequisites() []Prerequisite {
	return PrerequisitesFor("python3")
}

// PrerequisitesFor returns the prerequisite list for a specific kernel
// launcher. The launcher itself is required; the package installers are
// optional and only needed when kernel dependencies are missing.
func PrerequisitesFor(executable string) []Prerequisite {
	return []Prerequisite{
		{
			Name:        executable,
			Required:    true,
			Description: "Python interpreter (kernel launcher)",
			InstallURL:  "https://www.python.org/downloads",
		},
		{
			Name:        "pip",
			Required:    false, // Only needed to install missing kernel packages
			Description: "Python package installer (optional, for installing kernel packages)",
			InstallURL:  "https://pip.pypa.io",
		},
		{
			Name:        "conda",
			Required:    false, // Alternate installer for conda environments
			Description: "Conda package manager (optional, for conda environments)",
			InstallURL:  "https://docs.conda.io",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a CLI tool is available in PATH
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path

	// Try to get version
	version := getVersion(prereq.Name)
	if version != "" {
		result.Version = version
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required tools are found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion attempts to get the version of a CLI tool
func getVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		cmd := exec.Command(name, flag)
		output, err := cmd.Output()
		if err == nil {
			// Return first line of output, trimmed
			lines := strings.Split(string(output), "\n")
			if len(lines) > 0 {
				version := strings.TrimSpace(lines[0])
				// Limit length to avoid overly long version strings
				if len(version) > 100 {
					version = version[:100] + "..."
				}
				return version
			}
		}
	}

	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
