//go:build linux

package robot

import (
	"fmt"
	"syscall"
)

// EnableParentDeathSignal makes the kernel send SIGTERM to the simulator once
// the process that started it exits, so wrappers like `go run` cannot leave it
// orphaned.
func EnableParentDeathSignal() error {
	_, _, errno := syscall.RawSyscall(syscall.SYS_PRCTL,
		syscall.PR_SET_PDEATHSIG, uintptr(syscall.SIGTERM), 0)
	if errno != 0 {
		return fmt.Errorf("prctl PR_SET_PDEATHSIG: %w", errno)
	}
	return nil
}
