//go:build unix

package main

import (
	"os"
	"syscall"
)

// openStdin returns fd 0 registered with the runtime poller when it is a
// pipe or socket, so Close interrupts a pending read.
func openStdin() *os.File {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&(os.ModeNamedPipe|os.ModeSocket) == 0 {
		return os.Stdin
	}
	if err := syscall.SetNonblock(syscall.Stdin, true); err != nil {
		return os.Stdin
	}
	return os.NewFile(uintptr(syscall.Stdin), "/dev/stdin")
}
