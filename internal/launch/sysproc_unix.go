//go:build !windows

package launch

import "syscall"

// Children get their own process group so termination signals reach any
// helpers a shell wrapper spawns.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
