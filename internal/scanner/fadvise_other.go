//go:build !linux

package scanner

import "os"

// applySequentialHint is a no-op without fadvise
func applySequentialHint(f *os.File) {}

// releaseCacheForLargeFile is a no-op without fadvise
func releaseCacheForLargeFile(f *os.File, size int64) {}
