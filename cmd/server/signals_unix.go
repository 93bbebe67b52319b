//go:build unix

package main

import "golang.org/x/sys/unix"

func init() {
	// Orchestrators stop containers with SIGTERM.
	shutdownSignals = append(shutdownSignals, unix.SIGTERM)
}
