//go:build !windows

package proc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// PSScanner shells out to ps for process-table enumeration. WorkDir, when
// set, restricts matches to processes whose working directory (resolved via
// /proc where available) is inside that directory.
type PSScanner struct {
	WorkDir string
}

// NewScanner returns the platform scanner, or NullScanner when ps is not on
// PATH.
func NewScanner(workDir string) Scanner {
	if _, err := exec.LookPath("ps"); err != nil {
		return NullScanner{}
	}
	return PSScanner{WorkDir: workDir}
}

func (s PSScanner) Scan(signature string) ([]Match, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, nil
	}
	output, err := exec.Command("ps", "-axo", "pid=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("ps enumeration failed: %w", err)
	}

	self := os.Getpid()
	var matches []Match
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, command, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidField)
		if err != nil || pid <= 0 || pid == self {
			continue
		}
		command = strings.TrimSpace(command)
		if !strings.Contains(command, signature) {
			continue
		}
		if s.WorkDir != "" {
			if cwd := workingDir(pid); cwd != "" && !strings.HasPrefix(cwd, s.WorkDir) {
				continue
			}
		}
		matches = append(matches, Match{PID: pid, Command: command})
	}
	return matches, nil
}

// workingDir is best effort: /proc exists on linux only, and permission
// failures return empty (treated as a match rather than a miss).
func workingDir(pid int) string {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return cwd
}
