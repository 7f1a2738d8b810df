//go:build !unix

package launcher

import "syscall"

func detached() *syscall.SysProcAttr {
	return nil
}
