//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package sysinfo

func totalMemory() uint64 { return 0 }
