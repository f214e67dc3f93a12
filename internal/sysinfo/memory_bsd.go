//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package sysinfo

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func totalMemory() uint64 {
	name := "hw.physmem"
	if runtime.GOOS == "darwin" {
		name = "hw.memsize"
	}
	n, err := unix.SysctlUint64(name)
	if err != nil {
		return 0
	}
	return n
}
