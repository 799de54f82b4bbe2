// Package memsample samples a child process's resident memory so the
// supervisor can warn when a worker approaches its configured cap. It is
// explicitly non-fatal: any sampling failure (process gone, platform
// unsupported) is reported as ok=false rather than an error the caller
// must handle.
package memsample

import (
	"github.com/shirou/gopsutil/v4/process"
)

// Percent returns the fraction (0-100) of capGB the process at pid is
// currently using, and true if the sample was obtained successfully.
func Percent(pid int32, capGB float64) (percent float64, ok bool) {
	if capGB <= 0 {
		return 0, false
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, false
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0, false
	}
	capBytes := capGB * 1024 * 1024 * 1024
	return float64(info.RSS) / capBytes * 100, true
}
