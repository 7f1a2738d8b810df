//go:build unix

package launcher

import "syscall"

// detached puts the child in its own process group so signals aimed at the
// parent's terminal don't reach it.
func detached() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
