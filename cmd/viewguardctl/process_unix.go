//go:build unix

package main

import "golang.org/x/sys/unix"

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
