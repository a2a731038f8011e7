package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// FileStat is the subset of lstat(2) the scanner compares between passes
type FileStat struct {
	Size    int64
	Mtime   time.Time
	MtimeUS int64
	Ctime   time.Time
	Atime   time.Time
	Inode   uint64
	Dev     uint64
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Mode    fs.FileMode
}

// Lstat stats path without following a final symlink
func Lstat(path string) (FileStat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileStat{}, err
	}
	return statFromInfo(info), nil
}

func statFromInfo(info fs.FileInfo) FileStat {
	mtime := info.ModTime()
	st := FileStat{
		Size:    info.Size(),
		Mtime:   mtime,
		MtimeUS: mtime.UnixMicro(),
		Ctime:   mtime,
		Atime:   mtime,
		Mode:    info.Mode(),
	}

	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.Inode = uint64(sys.Ino)
		st.Dev = uint64(sys.Dev)
		st.Nlink = uint64(sys.Nlink)
		st.Uid = sys.Uid
		st.Gid = sys.Gid
		if ctime, atime, ok := statTimes(sys); ok {
			st.Ctime, st.Atime = ctime, atime
		}
	}

	return st
}

// IsSymlink reports whether the entry itself is a symlink
func (s FileStat) IsSymlink() bool {
	return s.Mode&fs.ModeSymlink != 0
}

// IsRegular reports whether the entry is a plain file
func (s FileStat) IsRegular() bool {
	return s.Mode.IsRegular()
}

// UserExecutable reports whether the owner execute bit is set
func (s FileStat) UserExecutable() bool {
	return s.Mode&0100 != 0
}

// Permissions renders the mode bits in octal, including setuid, setgid and sticky
func (s FileStat) Permissions() string {
	perm := uint32(s.Mode.Perm())
	if s.Mode&fs.ModeSetuid != 0 {
		perm |= 04000
	}
	if s.Mode&fs.ModeSetgid != 0 {
		perm |= 02000
	}
	if s.Mode&fs.ModeSticky != 0 {
		perm |= 01000
	}
	return strconv.FormatUint(uint64(perm), 8)
}

// SameFile reports whether the (size, mtime, inode) triple is unchanged
func (s FileStat) SameFile(o FileStat) bool {
	return s.Size == o.Size && s.MtimeUS == o.MtimeUS && s.Inode == o.Inode
}

// ownerCache resolves uid and gid numbers to names once per process
type ownerCache struct {
	mu     sync.Mutex
	users  map[uint32]string
	groups map[uint32]string
}

var owners = &ownerCache{
	users:  make(map[uint32]string),
	groups: make(map[uint32]string),
}

// UserName returns the account name for uid, or the number when unknown
func (c *ownerCache) UserName(uid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.users[uid]; ok {
		return name
	}
	name := fmt.Sprint(uid)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

// GroupName returns the group name for gid, or the number when unknown
func (c *ownerCache) GroupName(gid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := fmt.Sprint(gid)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
