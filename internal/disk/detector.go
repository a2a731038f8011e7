package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/disk"
)

// DriveType decides how hashing work is scheduled for a drive
type DriveType string

const (
	DriveAuto DriveType = "auto"
	DriveSSD  DriveType = "ssd"
	DriveHDD  DriveType = "hdd"
)

// ParseDriveType accepts auto, ssd or hdd in any case
func ParseDriveType(s string) (DriveType, error) {
	switch DriveType(strings.ToLower(strings.TrimSpace(s))) {
	case DriveAuto, "":
		return DriveAuto, nil
	case DriveSSD:
		return DriveSSD, nil
	case DriveHDD:
		return DriveHDD, nil
	default:
		return "", fmt.Errorf("invalid drive type %q: must be auto, ssd or hdd", s)
	}
}

// memoryFilesystems are never seek-bound
var memoryFilesystems = map[string]bool{
	"tmpfs":     true,
	"aufs":      true,
	"overlay":   true,
	"overlayfs": true,
	"squashfs":  true,
	"zram":      true,
	"ramfs":     true,
}

// package-level so tests can swap them out
var (
	getParts = disk.Partitions
	getUsage = disk.Usage
	sysRoot  = "/sys"
)

// DriveInfo describes the drive backing a path
type DriveInfo struct {
	MountPoint string
	Device     string // e.g. /dev/nvme0n1p2
	Parent     string // whole-disk block name, e.g. nvme0n1
	FSType     string
	Type       DriveType
	Reason     string
}

// Detect resolves the drive type of the filesystem holding path. Anything that
// cannot be proven to be solid state is reported as HDD so work stays serial.
func Detect(path string) (*DriveInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	parts, err := getParts(true)
	if err != nil {
		return nil, fmt.Errorf("failed to get partitions: %w", err)
	}

	var best *disk.PartitionStat
	for i := range parts {
		mp := parts[i].Mountpoint
		if !underMount(abs, mp) {
			continue
		}
		if best == nil || len(mp) > len(best.Mountpoint) {
			best = &parts[i]
		}
	}

	if best == nil {
		return &DriveInfo{Type: DriveHDD, Reason: "no mount found"}, nil
	}

	info := &DriveInfo{
		MountPoint: best.Mountpoint,
		Device:     best.Device,
		FSType:     best.Fstype,
		Type:       DriveHDD,
	}

	if memoryFilesystems[best.Fstype] {
		info.Type = DriveSSD
		info.Reason = "memory backed filesystem " + best.Fstype
		return info, nil
	}

	if !strings.HasPrefix(best.Device, "/dev/") {
		info.Reason = "not a block device"
		return info, nil
	}

	info.Parent = parentBlock(filepath.Base(best.Device))
	switch {
	case strings.HasPrefix(info.Parent, "nvme"):
		info.Type = DriveSSD
		info.Reason = "nvme"
	case readSysFlag(info.Parent, "removable") == "1":
		info.Type = DriveSSD
		info.Reason = "removable"
	case readSysFlag(info.Parent, "queue/rotational") == "0":
		info.Type = DriveSSD
		info.Reason = "non-rotational"
	default:
		info.Reason = "rotational or unknown"
	}

	return info, nil
}

// Resolve turns a configured drive type into a concrete one, probing the
// drive only for auto
func Resolve(configured DriveType, path string) DriveType {
	if configured == DriveSSD || configured == DriveHDD {
		return configured
	}
	info, err := Detect(path)
	if err != nil {
		return DriveHDD
	}
	return info.Type
}

func underMount(path, mountPoint string) bool {
	if mountPoint == "/" {
		return true
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// parentBlock maps a partition name to its whole-disk block device
func parentBlock(name string) string {
	link := filepath.Join(sysRoot, "class", "block", name)
	if _, err := os.Stat(filepath.Join(link, "partition")); err != nil {
		return name
	}
	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		return name
	}
	return filepath.Base(filepath.Dir(resolved))
}

func readSysFlag(block, attr string) string {
	data, err := os.ReadFile(filepath.Join(sysRoot, "block", block, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// GetDeviceIDForPath returns the device ID for a given path
func GetDeviceIDForPath(path string) (uint64, error) {
	var stat syscall.Stat_t
	if err := syscall.Stat(path, &stat); err != nil {
		return 0, fmt.Errorf("could not stat path %s: %w", path, err)
	}

	return uint64(stat.Dev), nil
}
