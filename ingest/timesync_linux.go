//go:build linux

package ingest

import (
	"golang.org/x/sys/unix"
)

// TraceClockNow reads the clock sample timestamps are measured against.
// CLOCK_BOOTTIME keeps counting across suspend, matching what perf records.
func TraceClockNow() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts); err != nil {
		return 0, err
	}
	return ts.Nano(), nil
}
