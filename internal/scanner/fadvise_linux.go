//go:build linux

package scanner

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/mmenanno/shield/internal/constants"
)

// applySequentialHint tells the kernel the file is read front to back
func applySequentialHint(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

// releaseCacheForLargeFile drops the page cache of a large hashed file so a
// full profile scan does not evict everything else
func releaseCacheForLargeFile(f *os.File, size int64) {
	if size > constants.LargeFileCacheRelease {
		_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
	}
}
