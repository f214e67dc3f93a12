//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !windows

package discovery

import "syscall"

func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }

func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }
