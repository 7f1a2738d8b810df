//go:build unix

package ipc

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps path into memory shared with every other process mapping it.
// With create set the file is (re)created with size bytes; otherwise the
// existing file is mapped whole.
func mapFile(path string, size int, create bool) ([]byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		size = int(fi.Size())
	}
	if size == 0 {
		return nil, ErrCorrupt
	}
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}
