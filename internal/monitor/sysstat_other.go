//go:build !linux

package monitor

import "golang.org/x/sys/unix"

// memoryPercent is unsupported off Linux; peak RSS is not a usage ratio.
func memoryPercent(*unix.Rusage) (float64, error) {
	return 0, nil
}
