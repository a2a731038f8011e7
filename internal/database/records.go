package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmenanno/shield/internal/constants"
)

// ErrMalformedRecord is returned when a persisted row cannot be turned into a FileRecord
var ErrMalformedRecord = errors.New("malformed record")

// ErrNoProfile is returned when the baseline table for a suffix does not exist yet
var ErrNoProfile = errors.New("no profile has been built")

// FileRecord is one observed file state
type FileRecord struct {
	// Timestamp holds the mtime, or the ctime when CAM is set
	Timestamp    time.Time
	Path         string
	ChangeTime   time.Time
	Inode        int64
	AccessTime   time.Time
	Checksum     string // empty for symlinks
	Size         int64
	Symlink      bool
	Owner        string
	Group        string
	Permissions  string // octal, e.g. "644"
	CAM          bool
	Target       string
	LastModified time.Time
	Hardlinks    sql.NullInt64
	Version      int64
	MtimeUS      int64
}

// Validate checks the shape of a record before it is used by the classifier or persisted
func (r *FileRecord) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("%w: empty filename", ErrMalformedRecord)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp for %s", ErrMalformedRecord, r.Path)
	}
	if r.Symlink && r.Checksum != "" {
		return fmt.Errorf("%w: symlink %s carries a checksum", ErrMalformedRecord, r.Path)
	}
	return nil
}

// MetadataChanged reports whether owner, group or permissions differ
func (r *FileRecord) MetadataChanged(prev *FileRecord) bool {
	return r.Owner != prev.Owner || r.Group != prev.Group || r.Permissions != prev.Permissions
}

// EntryType classifies a DirectoryEntry
type EntryType string

const (
	EntryNormal        EntryType = ""
	EntrySymlink       EntryType = "symlink"
	EntryBrokenSymlink EntryType = "broken"
)

// DirectoryEntry is the aggregate for one directory
type DirectoryEntry struct {
	Path         string
	ModifiedTime time.Time
	FileCount    int64
	MatchedCount int64
	ByteTotal    int64
	MaxDepth     int
	Type         EntryType
	Target       string
}

// Typed reports whether the entry is a symlink marker rather than a plain directory
func (e *DirectoryEntry) Typed() bool {
	return e.Type != EntryNormal
}

// FormatTime renders a timestamp column value, NULL for the zero time
func FormatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(constants.TimestampLayout), Valid: true}
}

// ParseTime parses a timestamp column value in local time
func ParseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(constants.TimestampLayout, s.String, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedRecord, s.String)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func flag(b bool) sql.NullString {
	if !b {
		return sql.NullString{}
	}
	return sql.NullString{String: "y", Valid: true}
}

// recordColumns is the column order shared by baseline and change-log tables
const recordColumns = `timestamp, filename, changetime, inode, accesstime, checksum, filesize, symlink, owner, "group", permissions, casmod, target, lastmodified, hardlinks, count, mtime_us`

// recordArgs flattens a record into recordColumns order
func recordArgs(r *FileRecord) []interface{} {
	return []interface{}{
		FormatTime(r.Timestamp),
		r.Path,
		FormatTime(r.ChangeTime),
		r.Inode,
		FormatTime(r.AccessTime),
		nullString(r.Checksum),
		r.Size,
		flag(r.Symlink),
		nullString(r.Owner),
		nullString(r.Group),
		nullString(r.Permissions),
		flag(r.CAM),
		nullString(r.Target),
		FormatTime(r.LastModified),
		r.Hardlinks,
		r.Version,
		r.MtimeUS,
	}
}

// scanRecordRow scans a single row selected with recordColumns
func scanRecordRow(scanner interface {
	Scan(dest ...interface{}) error
}) (*FileRecord, error) {
	var (
		ts, ctime, atime, lastMod       sql.NullString
		checksum, symlink, owner, group sql.NullString
		perms, cam, target, filename    sql.NullString
		inode, size, count, mtimeUS     sql.NullInt64
		hardlinks                       sql.NullInt64
	)

	if err := scanner.Scan(
		&ts, &filename, &ctime, &inode, &atime, &checksum, &size, &symlink,
		&owner, &group, &perms, &cam, &target, &lastMod, &hardlinks, &count, &mtimeUS,
	); err != nil {
		return nil, err
	}

	if !filename.Valid || !inode.Valid {
		return nil, fmt.Errorf("%w: row missing filename or inode", ErrMalformedRecord)
	}

	rec := &FileRecord{
		Path:        filename.String,
		Inode:       inode.Int64,
		Checksum:    checksum.String,
		Size:        size.Int64,
		Symlink:     symlink.String == "y",
		Owner:       owner.String,
		Group:       group.String,
		Permissions: perms.String,
		CAM:         cam.String == "y",
		Target:      target.String,
		Hardlinks:   hardlinks,
		Version:     count.Int64,
		MtimeUS:     mtimeUS.Int64,
	}

	var err error
	if rec.Timestamp, err = ParseTime(ts); err != nil {
		return nil, err
	}
	if rec.ChangeTime, err = ParseTime(ctime); err != nil {
		return nil, err
	}
	if rec.AccessTime, err = ParseTime(atime); err != nil {
		return nil, err
	}
	if rec.LastModified, err = ParseTime(lastMod); err != nil {
		return nil, err
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
