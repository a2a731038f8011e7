package scanner

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"

	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/disk"
)

// HardlinkResult summarises a set-hardlinks pass
type HardlinkResult struct {
	Linked   int
	Single   int
	NotFound int
}

// SetHardlinks walks the profile basedir on its own device, counts the links
// of every multiply-linked inode and stores the count on each profile file
func (s *Scanner) SetHardlinks(ctx context.Context, suffix string) (*HardlinkResult, error) {
	prof, err := s.db.GetProfile(ctx, suffix)
	if err != nil {
		return nil, err
	}

	var result *HardlinkResult
	err = s.run(ctx, &database.Run{Kind: "set-hardlinks", Suffix: suffix, Basedir: prof.Basedir}, func(ctx context.Context, run *database.Run) error {
		links, err := s.linkCounts(ctx, prof.Basedir)
		if err != nil {
			return err
		}

		records, skipped, err := s.db.CurrentRecords(ctx, suffix)
		if err != nil {
			return err
		}
		for _, e := range skipped {
			s.logger.Debug("skipping malformed record", "error", e)
		}
		run.ItemsTotal = int64(len(records))

		result = &HardlinkResult{}
		updates := make([]database.HardlinkUpdate, 0, len(records))
		for _, rec := range records {
			u := database.HardlinkUpdate{Path: rec.Path, Inode: rec.Inode}
			st, err := Lstat(rec.Path)
			switch {
			case err != nil:
				result.NotFound++
			case links[st.Inode] > 1:
				u.Count = sql.NullInt64{Int64: int64(links[st.Inode]), Valid: true}
				result.Linked++
			default:
				u.Count = sql.NullInt64{Int64: 1, Valid: true}
				result.Single++
			}
			updates = append(updates, u)
		}

		if err := s.db.SetHardlinks(ctx, suffix, updates); err != nil {
			return err
		}

		run.ItemsChanged = int64(result.Linked)
		run.ItemsMissing = int64(result.NotFound)
		s.logger.Info("hardlinks set", "linked", result.Linked, "single", result.Single, "not_found", result.NotFound)
		return nil
	})
	return result, err
}

// linkCounts maps every inode with more than one link on the device of
// basedir to its link count. Other filesystems are not crossed.
func (s *Scanner) linkCounts(ctx context.Context, basedir string) (map[uint64]uint64, error) {
	dev, err := disk.GetDeviceIDForPath(basedir)
	if err != nil {
		return nil, err
	}

	links := make(map[uint64]uint64)
	err = filepath.WalkDir(basedir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if path == basedir {
				return nil
			}
			st, err := Lstat(path)
			if err != nil || st.Dev != dev {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		st, err := Lstat(path)
		if err != nil {
			return nil
		}
		if st.Dev == dev && st.Nlink > 1 {
			links[st.Inode] = st.Nlink
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}
