package disk

import (
	"fmt"
)

// SpaceInfo contains disk space statistics
type SpaceInfo struct {
	TotalBytes  int64
	FreeBytes   int64
	UsedBytes   int64
	UsedPercent float64
	FSType      string
}

// GetDiskSpace queries filesystem usage for a path
func GetDiskSpace(path string) (*SpaceInfo, error) {
	usage, err := getUsage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage for %s: %w", path, err)
	}

	return &SpaceInfo{
		TotalBytes:  int64(usage.Total),
		FreeBytes:   int64(usage.Free),
		UsedBytes:   int64(usage.Used),
		UsedPercent: usage.UsedPercent,
		FSType:      usage.Fstype,
	}, nil
}

// FormatBytes converts bytes to human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	absBytes := bytes
	if bytes < 0 {
		absBytes = -bytes
	}

	switch {
	case absBytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case absBytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case absBytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case absBytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// GetDiskUsageSummary returns a summary string for a disk
func GetDiskUsageSummary(info *SpaceInfo) string {
	return fmt.Sprintf("%s used / %s total (%.1f%% full)",
		FormatBytes(info.UsedBytes),
		FormatBytes(info.TotalBytes),
		info.UsedPercent)
}
