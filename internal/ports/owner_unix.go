//go:build !windows

package ports

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoOwnerTool reports that no listener-enumeration tool is available, so
// the holder of a port cannot be identified.
var ErrNoOwnerTool = errors.New("no listener enumeration tool available")

// OwnerPIDs returns the pids listening on a local TCP port, via lsof. Used
// only by the kill-on-conflict policy; everything else relies on probing.
func OwnerPIDs(port int) ([]int, error) {
	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return nil, ErrNoOwnerTool
	}
	output, err := exec.Command(lsofPath, "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		return nil, nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}
