package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSys(t *testing.T, block string, rotational, removable string) string {
	t.Helper()
	root := t.TempDir()
	q := filepath.Join(root, "block", block, "queue")
	require.NoError(t, os.MkdirAll(q, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(q, "rotational"), []byte(rotational+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "block", block, "removable"), []byte(removable+"\n"), 0644))
	return root
}

func withPartitions(t *testing.T, parts []disk.PartitionStat, sys string) {
	t.Helper()
	realParts, realSys := getParts, sysRoot
	getParts = func(all bool) ([]disk.PartitionStat, error) { return parts, nil }
	sysRoot = sys
	t.Cleanup(func() {
		getParts = realParts
		sysRoot = realSys
	})
}

func TestParseDriveType(t *testing.T) {
	tests := []struct {
		in      string
		want    DriveType
		wantErr bool
	}{
		{"", DriveAuto, false},
		{"AUTO", DriveAuto, false},
		{"ssd", DriveSSD, false},
		{" HDD ", DriveHDD, false},
		{"floppy", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDriveType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name       string
		parts      []disk.PartitionStat
		rotational string
		removable  string
		path       string
		want       DriveType
	}{
		{
			name:       "rotational disk",
			parts:      []disk.PartitionStat{{Device: "/dev/sda", Mountpoint: "/", Fstype: "ext4"}},
			rotational: "1", removable: "0",
			path: "/home/user", want: DriveHDD,
		},
		{
			name:       "solid state disk",
			parts:      []disk.PartitionStat{{Device: "/dev/sda", Mountpoint: "/", Fstype: "ext4"}},
			rotational: "0", removable: "0",
			path: "/etc", want: DriveSSD,
		},
		{
			name:       "removable drive",
			parts:      []disk.PartitionStat{{Device: "/dev/sda", Mountpoint: "/", Fstype: "vfat"}},
			rotational: "1", removable: "1",
			path: "/", want: DriveSSD,
		},
		{
			name: "longest mount wins",
			parts: []disk.PartitionStat{
				{Device: "/dev/sda", Mountpoint: "/", Fstype: "ext4"},
				{Device: "tmpfs", Mountpoint: "/tmp", Fstype: "tmpfs"},
			},
			rotational: "1", removable: "0",
			path: "/tmp/x", want: DriveSSD,
		},
		{
			name:       "prefix is not a mount match",
			parts:      []disk.PartitionStat{{Device: "/dev/sda", Mountpoint: "/", Fstype: "ext4"}, {Device: "tmpfs", Mountpoint: "/tmp", Fstype: "tmpfs"}},
			rotational: "1", removable: "0",
			path: "/tmpfoo", want: DriveHDD,
		},
		{
			name:  "nvme",
			parts: []disk.PartitionStat{{Device: "/dev/nvme0n1", Mountpoint: "/", Fstype: "ext4"}},
			path:  "/", want: DriveSSD,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := fakeSys(t, "sda", tt.rotational, tt.removable)
			withPartitions(t, tt.parts, sys)

			info, err := Detect(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Type, info.Reason)
		})
	}
}

func TestResolveHonoursConfiguredType(t *testing.T) {
	assert.Equal(t, DriveHDD, Resolve(DriveHDD, "/"))
	assert.Equal(t, DriveSSD, Resolve(DriveSSD, "/"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "2.00 GB", FormatBytes(2*1024*1024*1024))
}
