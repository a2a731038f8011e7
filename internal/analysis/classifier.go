// Package analysis classifies the difference between a previously recorded
// file state and a fresh observation of the same path, and runs the
// store-wide collision and copy sweeps.
package analysis

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
)

// Kind is the classification of a detected change
type Kind int

const (
	KindNone Kind = iota
	KindSuspect
	KindMetadata
	KindOverwrite
	KindReplaced
	KindTouched
	KindModified
	KindDeleted
	KindCopy
	KindCollision
	KindSymlinkTarget
	KindStale
)

var kindNames = map[Kind]string{
	KindNone:          "None",
	KindSuspect:       "Suspect",
	KindMetadata:      "Metadata",
	KindOverwrite:     "Overwrite",
	KindReplaced:      "Replaced",
	KindTouched:       "Touched",
	KindModified:      "Modified",
	KindDeleted:       "Deleted",
	KindCopy:          "Copy",
	KindCollision:     "Collision",
	KindSymlinkTarget: "SymlinkTargetChanged",
	KindStale:         "Stale",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is the outcome of classifying one path. Flags holds every
// classification raised, highest priority first. Alerts are content-level
// warnings and Notes are informational diagnostics.
type Result struct {
	Path     string
	Previous *database.FileRecord
	Current  *database.FileRecord
	Flags    []Kind
	Alerts   []string
	Notes    []string

	// CopyCandidate is set when the path has no history and must go through
	// the copy sweep
	CopyCandidate bool
}

// Kind returns the primary classification
func (r *Result) Kind() Kind {
	if len(r.Flags) == 0 {
		if len(r.Notes) > 0 {
			return KindStale
		}
		return KindNone
	}
	return r.Flags[0]
}

// Has reports whether a classification was raised
func (r *Result) Has(k Kind) bool {
	for _, f := range r.Flags {
		if f == k {
			return true
		}
	}
	return false
}

// Empty reports whether nothing worth reporting was found
func (r *Result) Empty() bool {
	return len(r.Flags) == 0 && len(r.Alerts) == 0 && len(r.Notes) == 0 && !r.CopyCandidate
}

// FlagLines renders one "Kind timestamp ctime path" line per flag
func (r *Result) FlagLines() []string {
	rec := r.Current
	if rec == nil {
		rec = r.Previous
	}
	lines := make([]string, 0, len(r.Flags))
	for _, f := range r.Flags {
		if rec == nil {
			lines = append(lines, fmt.Sprintf("%s %s", f, r.Path))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s %s", f,
			rec.Timestamp.Format(constants.TimestampLayout),
			rec.ChangeTime.Format(constants.TimestampLayout),
			r.Path))
	}
	return lines
}

func (r *Result) flag(k Kind) {
	r.Flags = append(r.Flags, k)
}

// Options tunes the classifier
type Options struct {
	// Checksum enables the content rules; without it only inode and
	// timestamp are compared
	Checksum bool
	// Detailed appends old and new sizes to stealth-edit diagnostics
	Detailed  bool
	StaleDays int
	// Excluded suppresses the stale note for matching paths
	Excluded func(path string) bool
	Now      func() time.Time
}

// Classifier compares previous and current records of a path
type Classifier struct {
	opts   Options
	logger *slog.Logger
}

// NewClassifier creates a classifier
func NewClassifier(opts Options, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StaleDays <= 0 {
		opts.StaleDays = constants.DefaultStaleDays
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Excluded == nil {
		opts.Excluded = func(string) bool { return false }
	}
	return &Classifier{opts: opts, logger: logger}
}

// Deleted classifies a recorded file that is gone from disk
func (c *Classifier) Deleted(prev *database.FileRecord) *Result {
	res := &Result{Path: prev.Path, Previous: prev}
	res.flag(KindDeleted)
	return res
}

// Classify compares a fresh observation with the last known record of the
// same path. system marks records that came from the baseline. A nil
// result means there is nothing to report; malformed input is logged and
// skipped.
func (c *Classifier) Classify(prev, cur *database.FileRecord, system bool) *Result {
	if cur == nil {
		if prev == nil {
			return nil
		}
		return c.Deleted(prev)
	}
	if err := cur.Validate(); err != nil {
		c.logger.Debug("skipping malformed observation", "error", err)
		return nil
	}

	res := &Result{Path: cur.Path, Previous: prev, Current: cur}

	if prev == nil {
		if !c.opts.Checksum {
			return nil
		}
		res.CopyCandidate = true
		return res
	}
	if err := prev.Validate(); err != nil {
		c.logger.Debug("skipping malformed previous record", "path", cur.Path, "error", err)
		return nil
	}

	if c.opts.Checksum && !(cur.Symlink && prev.Symlink) && (cur.Checksum == "" || prev.Checksum == "") {
		if !c.unhashed(res, prev, cur) {
			return nil
		}
		return res
	}

	cam := cur.CAM

	if cur.MtimeUS > 0 && cur.MtimeUS%1_000_000 == 0 {
		res.Notes = append(res.Notes, fmt.Sprintf("Unusual modified time file has microsecond all zero: %s timestamp: %d", cur.Path, cur.MtimeUS))
	}

	if sameMtime(prev, cur) {
		if c.opts.Checksum && !cur.Symlink && cur.Checksum != prev.Checksum {
			res.flag(KindSuspect)
			res.Alerts = append(res.Alerts, fmt.Sprintf("Suspect file: %s previous checksum %s currently %s. changed without a new modified time.", cur.Path, prev.Checksum, cur.Checksum))
		}
		if cur.Inode == prev.Inode && cur.MetadataChanged(prev) {
			c.metadata(res, prev, cur)
		}
	} else {
		if c.opts.Checksum {
			c.contentRules(res, prev, cur, cam)
		} else if cur.Inode != prev.Inode {
			res.flag(KindReplaced)
		} else if !cam {
			res.flag(KindModified)
		}

		if !cam {
			c.stale(res, prev, system)
		}
	}

	if res.Empty() {
		return nil
	}
	return res
}

// unhashed handles a pair where one side carries no checksum: a symlink
// swapped for a file or back, or a baseline row recorded while the file kept
// changing. It reports false when the current side could not be hashed.
func (c *Classifier) unhashed(res *Result, prev, cur *database.FileRecord) bool {
	if cur.Checksum == "" && !cur.Symlink {
		if cur.Size > 0 {
			c.logger.Debug("no checksum for file", "path", cur.Path)
		}
		return false
	}

	if cur.Symlink != prev.Symlink || cur.Inode != prev.Inode {
		res.flag(KindReplaced)
	} else {
		res.flag(KindModified)
	}
	return true
}

// sameMtime compares modification times. A cam record keeps its mtime in
// LastModified because its Timestamp holds the ctime.
func sameMtime(prev, cur *database.FileRecord) bool {
	if prev.MtimeUS != 0 && cur.MtimeUS != 0 {
		return prev.MtimeUS == cur.MtimeUS
	}
	return mtimeOf(prev).Equal(mtimeOf(cur))
}

func mtimeOf(r *database.FileRecord) time.Time {
	if r.CAM && !r.LastModified.IsZero() {
		return r.LastModified
	}
	return r.Timestamp
}

func (c *Classifier) contentRules(res *Result, prev, cur *database.FileRecord, cam bool) {
	switch {
	case cur.Inode != prev.Inode:
		if cur.Checksum == prev.Checksum {
			res.flag(KindOverwrite)
			return
		}
		res.flag(KindReplaced)
		c.stealth(res, prev, cur)

	case cur.Checksum != prev.Checksum:
		res.flag(KindModified)
		c.stealth(res, prev, cur)

	case cur.Symlink && prev.Symlink:
		if cur.Target != prev.Target {
			res.flag(KindSymlinkTarget)
			res.Notes = append(res.Notes, fmt.Sprintf("Symlink target change %s → %s", prev.Target, cur.Target))
		}

	case cur.MetadataChanged(prev):
		c.metadata(res, prev, cur)

	case !cam:
		res.flag(KindTouched)
	}
}

func (c *Classifier) metadata(res *Result, prev, cur *database.FileRecord) {
	res.flag(KindMetadata)
	res.Notes = append(res.Notes, fmt.Sprintf("Permissions of file: %s changed %s %s %s → %s %s %s",
		cur.Path, prev.Owner, prev.Group, prev.Permissions, cur.Owner, cur.Group, cur.Permissions))
}

// stealth checks the size delta of a content change
func (c *Classifier) stealth(res *Result, prev, cur *database.FileRecord) {
	if cur.Size == 0 || prev.Size == 0 {
		return
	}

	delta := cur.Size - prev.Size
	if delta < 0 {
		delta = -delta
	}

	if delta == 0 {
		res.Alerts = append(res.Alerts, fmt.Sprintf("Warning file %s same filesize different checksum. Contents changed.", cur.Path))
		return
	}
	if delta < constants.StealthSizeDelta {
		msg := fmt.Sprintf("Checksum indicates a change in %s. Size changed slightly - possible stealth edit.", cur.Path)
		if c.opts.Detailed {
			msg = fmt.Sprintf("%s (%d → %d).", msg, prev.Size, cur.Size)
		}
		res.Notes = append(res.Notes, msg)
	}
}

func (c *Classifier) stale(res *Result, prev *database.FileRecord, system bool) {
	cutoff := c.opts.Now().AddDate(0, 0, -c.opts.StaleDays)
	if !prev.Timestamp.Before(cutoff) {
		return
	}

	msg := fmt.Sprintf("File that isnt regularly updated %s.", res.Path)
	if system {
		res.Notes = append(res.Notes, msg+" and is a system file.")
		return
	}
	if !c.opts.Excluded(res.Path) {
		res.Notes = append(res.Notes, msg)
	}
}
