//go:build !linux

package robot

// EnableParentDeathSignal is a no-op outside Linux.
func EnableParentDeathSignal() error { return nil }
