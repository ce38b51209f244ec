package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"bmh/internal/config"
)

// Requirement defines an external dependency the comms manager relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the binaries the given configuration needs.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{
			Name:        "DAC transmit launcher",
			Command:     cfg.DacTransmit.Launcher,
			Description: "Starts one dac transmit process per channel",
		},
		{
			Name:        "Java",
			Command:     "java",
			Description: "Runtime used by the stock dac transmit launcher",
			Optional:    true,
		},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
// Commands containing a path separator must be executable files; bare names
// are resolved through PATH.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if strings.ContainsRune(cmd, os.PathSeparator) {
			info, err := os.Stat(cmd)
			switch {
			case err != nil:
				status.Detail = fmt.Sprintf("binary %q not found", cmd)
			case !isExecutable(info):
				status.Detail = fmt.Sprintf("%q is not executable", cmd)
			default:
				status.Available = true
			}
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Missing returns the required (non-optional) dependencies that are unavailable.
func Missing(statuses []Status) []Status {
	var out []Status
	for _, s := range statuses {
		if !s.Available && !s.Optional {
			out = append(out, s)
		}
	}
	return out
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
