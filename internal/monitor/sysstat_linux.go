package monitor

import (
	"bytes"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// memoryPercent is resident set size over total RAM.
func memoryPercent(ru *unix.Rusage) (float64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	total := float64(si.Totalram) * float64(si.Unit)
	if total == 0 {
		return 0, nil
	}
	rss := float64(ru.Maxrss) * 1024
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		if f := bytes.Fields(data); len(f) > 1 {
			if pages, err := strconv.ParseInt(string(f[1]), 10, 64); err == nil {
				rss = float64(pages) * float64(unix.Getpagesize())
			}
		}
	}
	return rss / total * 100, nil
}
