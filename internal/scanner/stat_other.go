//go:build !linux

package scanner

import (
	"syscall"
	"time"
)

// statTimes falls back to the mtime outside Linux
func statTimes(sys *syscall.Stat_t) (ctime, atime time.Time, ok bool) {
	return time.Time{}, time.Time{}, false
}
