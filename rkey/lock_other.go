//go:build !linux && !darwin && !freebsd

package rkey

func lockMemory(b []byte) bool { return false }

func unlockMemory(b []byte) {}
