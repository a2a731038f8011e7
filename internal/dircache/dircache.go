// Package dircache finds new files by comparing directory mtimes against the
// directory cache built with the profile.
//
// A directory whose mtime has not advanced is assumed to hold no new files;
// only its subdirectories are visited. Files written into such a directory
// with a back-dated mtime are therefore missed here and caught by a full
// profile scan.
package dircache

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmenanno/shield/internal/database"
)

// LogFunc receives log lines produced while diffing
type LogFunc func(level slog.Level, format string, args ...interface{})

// NewFile is a file whose mtime postdates the cached mtime of its directory
type NewFile struct {
	Path    string
	ModTime time.Time
}

// Result is what one work unit produced
type Result struct {
	Delta    []*database.DirectoryEntry
	NewFiles []NewFile
}

// Merge appends another result
func (r *Result) Merge(o Result) {
	r.Delta = append(r.Delta, o.Delta...)
	r.NewFiles = append(r.NewFiles, o.NewFiles...)
}

// Options configures a Differ
type Options struct {
	Basedir string
	// Excluded reports directories that are never descended into
	Excluded func(dir string) bool
	// Filtered reports paths that are never reported as new
	Filtered func(path string) bool
}

// Differ compares the live tree to a read-only cache snapshot. It is safe
// for concurrent use because the cache is never written.
type Differ struct {
	entries map[string]*database.DirectoryEntry
	opts    Options
}

// New creates a Differ over cached entries keyed by directory path
func New(entries map[string]*database.DirectoryEntry, opts Options) *Differ {
	if opts.Basedir == "" {
		opts.Basedir = "/"
	}
	if opts.Excluded == nil {
		opts.Excluded = func(string) bool { return false }
	}
	if opts.Filtered == nil {
		opts.Filtered = func(string) bool { return false }
	}
	return &Differ{entries: entries, opts: opts}
}

// BaseFolders returns the work units of a find-new pass: basedir itself plus
// each non-excluded top-level directory
func BaseFolders(basedir string, excluded func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(basedir)
	if err != nil {
		return nil, err
	}

	folders := []string{basedir}
	for _, e := range entries {
		path := filepath.Join(basedir, e.Name())
		if excluded != nil && excluded(path) {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			folders = append(folders, path)
		}
	}
	return folders, nil
}

// Scan diffs one work unit. basedir is processed for its own files only,
// since its subdirectories are separate work units.
func (d *Differ) Scan(root string, logf LogFunc) Result {
	var res Result
	seen := make(map[string]bool)
	d.process(root, seen, &res, logf)
	return res
}

func (d *Differ) process(root string, seen map[string]bool, res *Result, logf LogFunc) {
	if seen[root] {
		return
	}
	seen[root] = true

	prev, cached := d.entries[root]
	if cached && prev.Typed() {
		return
	}

	info, err := os.Stat(root)
	if err != nil {
		logf(slog.LevelDebug, "Skipped. Unable to access directory: %s %v", root, err)
		return
	}
	mtime := info.ModTime()

	enumerate, changed := true, true
	var since time.Time
	if cached {
		since = prev.ModifiedTime
		if !since.IsZero() && !mtime.After(since) {
			enumerate, changed = false, false
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		logf(slog.LevelError, "failed to read directory %s: %v", root, err)
		return
	}

	var files, bytes int64
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		if entry.IsDir() {
			if d.opts.Excluded(path) {
				continue
			}
			if root != d.opts.Basedir {
				d.process(path, seen, res, logf)
			}
			continue
		}
		if !enumerate {
			continue
		}

		st, err := os.Stat(path)
		if err != nil {
			logf(slog.LevelDebug, "error could not stat file: %s %v", path, err)
			continue
		}
		if !st.Mode().IsRegular() {
			continue
		}

		files++
		bytes += st.Size()
		if since.IsZero() || st.ModTime().After(since) {
			if !d.opts.Filtered(path) {
				res.NewFiles = append(res.NewFiles, NewFile{Path: path, ModTime: st.ModTime()})
			}
		}
	}

	if !changed {
		return
	}

	var entry database.DirectoryEntry
	if cached {
		entry = *prev
	} else {
		entry = database.DirectoryEntry{
			Path:     root,
			MaxDepth: strings.Count(root, string(os.PathSeparator)),
		}
	}
	entry.ModifiedTime = mtime
	entry.ByteTotal = bytes
	entry.FileCount = files
	res.Delta = append(res.Delta, &entry)
}

// SortNewFiles orders new files oldest first, then by path
func SortNewFiles(files []NewFile) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
}
