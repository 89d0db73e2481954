//go:build !windows

package main

import "syscall"

// detachedProcAttr starts the spawned daemon in its own session so it
// survives the spawning CLI process exiting (spec.md §4.8: the daemon
// outlives any single bridge invocation).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
