//go:build linux || darwin || freebsd

package rkey

import "golang.org/x/sys/unix"

// lockMemory keeps b out of swap when the process is allowed to.
func lockMemory(b []byte) bool {
	return unix.Mlock(b) == nil
}

func unlockMemory(b []byte) {
	_ = unix.Munlock(b)
}
