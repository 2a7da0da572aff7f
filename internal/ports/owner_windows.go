//go:build windows

package ports

import "errors"

var ErrNoOwnerTool = errors.New("no listener enumeration tool available")

// OwnerPIDs is unsupported on windows; kill-on-conflict degrades to an
// actionable error.
func OwnerPIDs(port int) ([]int, error) {
	return nil, ErrNoOwnerTool
}
