package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/profile"
)

// FileCandidate is a profile file found by the walker
type FileCandidate struct {
	Path    string
	Stat    FileStat
	Symlink bool
	Target  string
}

// WalkResult holds everything one walk produced
type WalkResult struct {
	Files    []FileCandidate
	Dirs     []*database.DirectoryEntry
	MaxDepth int
	// Seen counts every file encountered, matched or not
	Seen int
}

// Walker traverses a basedir depth first, collecting profile files and
// per-directory aggregates
type Walker struct {
	matcher *profile.Matcher
	logger  *slog.Logger
}

// NewWalker creates a new walker
func NewWalker(matcher *profile.Matcher, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{matcher: matcher, logger: logger}
}

type devIno struct {
	dev, ino uint64
}

type walkState struct {
	result  *WalkResult
	seen    map[string]bool
	counted map[devIno]bool
}

// Walk collects files and directories under the matcher's basedir. Only a
// failure to stat the root is returned as an error; unreadable entries are
// logged and skipped. Cancellation is checked between directories and returns
// the partial result with ctx.Err().
func (w *Walker) Walk(ctx context.Context) (*WalkResult, error) {
	root := w.matcher.Basedir()
	if err := validatePath(root); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("unable to access drive %s: %w", root, err)
	}

	st := &walkState{
		result:  &WalkResult{},
		seen:    make(map[string]bool),
		counted: make(map[devIno]bool),
	}

	if err := w.walkDir(ctx, st, root, info.ModTime(), 0); err != nil {
		return st.result, err
	}

	return st.result, nil
}

func (w *Walker) walkDir(ctx context.Context, st *walkState, dir string, mtime time.Time, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.seen[dir] {
		return nil
	}
	st.seen[dir] = true
	st.result.MaxDepth = max(st.result.MaxDepth, depth)

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Error("failed to read directory", "dir", dir, "error", err)
		return nil
	}

	var files, matched, bytes int64

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		symlink := entry.Type()&os.ModeSymlink != 0

		// the entry type is enough unless the entry is a symlink
		isDir := entry.IsDir()
		isFile := entry.Type().IsRegular()
		dangling := false
		if symlink {
			if target, err := os.Stat(path); err == nil {
				isDir, isFile = target.IsDir(), target.Mode().IsRegular()
			} else {
				dangling = true
			}
		}

		switch {
		case isDir:
			if w.matcher.Excluded(path) {
				continue
			}

			lst, err := os.Lstat(path)
			if err != nil {
				w.logger.Debug("failed to stat directory", "dir", path, "error", err)
				continue
			}

			if symlink {
				st.result.Dirs = append(st.result.Dirs, &database.DirectoryEntry{
					Path:         path,
					ModifiedTime: lst.ModTime(),
					MaxDepth:     strings.Count(path, string(os.PathSeparator)),
					Type:         database.EntrySymlink,
					Target:       linkTarget(path, w.logger),
				})
				continue
			}

			if path != w.matcher.Basedir() {
				if err := w.walkDir(ctx, st, path, lst.ModTime(), depth+1); err != nil {
					return err
				}
			}

		case isFile:
			if symlink && !w.matcher.Symlinks() {
				continue
			}
			files++
			st.result.Seen++

			info, err := entry.Info()
			if err != nil {
				w.logger.Debug("failed to stat file", "path", path, "error", err)
				continue
			}
			if !w.matcher.Match(path, info.Mode()) {
				continue
			}

			fst := statFromInfo(info)
			cand := FileCandidate{Path: path, Stat: fst, Symlink: symlink}
			if symlink {
				cand.Target = linkTarget(path, w.logger)
			}

			matched++
			key := devIno{fst.Dev, fst.Inode}
			if !st.counted[key] {
				st.counted[key] = true
				bytes += fst.Size
			}
			st.result.Files = append(st.result.Files, cand)

		case dangling:
			raw, err := os.Readlink(path)
			if err != nil || !strings.HasSuffix(raw, string(os.PathSeparator)) {
				continue
			}
			lst, err := os.Lstat(path)
			if err != nil {
				w.logger.Debug("failed to stat broken directory symlink", "path", path, "error", err)
				continue
			}
			st.result.Dirs = append(st.result.Dirs, &database.DirectoryEntry{
				Path:         path,
				ModifiedTime: lst.ModTime(),
				MaxDepth:     strings.Count(path, string(os.PathSeparator)),
				Type:         database.EntryBrokenSymlink,
				Target:       absTarget(path, raw),
			})
		}
	}

	st.result.Dirs = append(st.result.Dirs, &database.DirectoryEntry{
		Path:         dir,
		ModifiedTime: mtime,
		FileCount:    files,
		MatchedCount: matched,
		ByteTotal:    bytes,
		MaxDepth:     strings.Count(dir, string(os.PathSeparator)),
	})

	return nil
}

// linkTarget resolves a symlink target to an absolute path
func linkTarget(path string, logger *slog.Logger) string {
	raw, err := os.Readlink(path)
	if err != nil {
		logger.Debug("failed to read symlink", "path", path, "error", err)
		return ""
	}
	return absTarget(path, raw)
}

func absTarget(link, raw string) string {
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw)
	}
	return filepath.Join(filepath.Dir(link), raw)
}

// validatePath rejects empty, relative and NUL-containing roots
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if strings.IndexByte(path, 0) >= 0 {
		return fmt.Errorf("path contains null byte")
	}

	if !filepath.IsAbs(filepath.Clean(path)) {
		return fmt.Errorf("path must be absolute")
	}

	return nil
}
