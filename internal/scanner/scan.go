package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"sort"

	"github.com/mmenanno/shield/internal/analysis"
	"github.com/mmenanno/shield/internal/config"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/report"
)

// ScanOptions tunes a profile scan
type ScanOptions struct {
	Suffix string
	// ShowDiff adds the symmetric difference against the build snapshot
	ShowDiff bool
	// Detailed adds old and new sizes to stealth-edit diagnostics
	Detailed bool
}

// observation is one re-hashed profile file
type observation struct {
	prev    *database.FileRecord
	cur     *database.FileRecord
	missing bool
}

// Scan re-hashes every current profile record, classifies the differences
// and appends the changed records to the change log
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*report.Report, error) {
	prof, err := s.db.GetProfile(ctx, opts.Suffix)
	if err != nil {
		return nil, err
	}

	var rep *report.Report
	err = s.run(ctx, &database.Run{Kind: "scan", Suffix: opts.Suffix, Basedir: prof.Basedir}, func(ctx context.Context, run *database.Run) error {
		var err error
		rep, err = s.scan(ctx, prof, opts, run)
		return err
	})
	return rep, err
}

func (s *Scanner) scan(ctx context.Context, prof *database.Profile, opts ScanOptions, run *database.Run) (*report.Report, error) {
	records, skipped, err := s.db.CurrentRecords(ctx, opts.Suffix)
	if err != nil {
		return nil, err
	}
	for _, e := range skipped {
		s.logger.Debug("skipping malformed record", "error", e)
	}
	run.ItemsTotal = int64(len(records))

	// checksums are only comparable under the algorithm the profile was built with
	hasher, err := NewFileHasher(prof.Algorithm, s.config.HashBufferSize, s.config.RetryBudget, s.config.MaxHashRateMB)
	if err != nil {
		return nil, err
	}

	s.progress.StartPhase("hashing", len(records), 0, 65)
	pool := NewWorkerPool(s.poolConfig(prof.Basedir), s.observe(hasher), s.logger, s.progress)
	observed, err := pool.Run(ctx, records)
	if err != nil {
		return nil, err
	}

	exclusions, err := config.CompilePatterns(s.config.StaleExclusions, invokingUser())
	if err != nil {
		return nil, fmt.Errorf("invalid stale exclusions: %w", err)
	}
	classifier := analysis.NewClassifier(analysis.Options{
		Checksum:  true,
		Detailed:  opts.Detailed,
		StaleDays: s.config.StaleDays,
		Excluded:  exclusions.Match,
		Now:       s.now,
	}, s.logger)

	rep := &report.Report{
		Kind:      "scan",
		RunID:     s.runID,
		Suffix:    opts.Suffix,
		Basedir:   prof.Basedir,
		Generated: s.now(),
	}

	s.progress.StartPhase("analysis", len(observed), 65, 90)

	var changes []*database.FileRecord
	var missing []string
	var links []report.LinkChange
	for _, o := range observed {
		s.progress.Add(1)

		if o.missing {
			missing = append(missing, o.prev.Path)
			rep.Results = append(rep.Results, classifier.Deleted(o.prev))
			continue
		}

		// a relinked symlink has a new inode, so the target is compared here
		// rather than left to the classifier
		relinked := o.prev.Symlink && o.cur.Symlink && o.prev.Target != o.cur.Target
		if relinked {
			links = append(links, report.LinkChange{Path: o.cur.Path, Old: o.prev.Target, New: o.cur.Target})
		}

		res := classifier.Classify(o.prev, o.cur, o.prev.Version <= baselineVersion)
		if res != nil {
			rep.Results = append(rep.Results, res)
		}
		if relinked || (res != nil && len(res.Flags) > 0) {
			changes = append(changes, o.cur)
		}
	}

	if len(records) > 0 {
		rate := float64(len(missing)) / float64(len(records)) * 100
		if rate > constants.MissRateWarnPercent {
			warn := fmt.Sprintf("The sys index had over 30%% miss rate recommend rebuild index: %.1f%%", rate)
			s.logger.Warn(warn)
			rep.Warnings = append(rep.Warnings, warn)
		}
	}

	rep.Warnings = append(rep.Warnings, s.errorWarnings()...)

	s.progress.StartPhase("persist", 1, 90, 100)
	inserted, err := s.db.AppendChanges(ctx, opts.Suffix, changes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	s.progress.Add(1)
	s.logger.Info("changes recorded", "observed", len(observed), "changed", len(changes), "inserted", inserted, "missing", len(missing))

	// the sweep sees the checksums just recorded
	collisions, err := analysis.NewAnalyzer(s.db, opts.Suffix).Collisions(ctx)
	if err != nil {
		s.logger.Error("collision sweep failed", "error", err)
	}
	rep.Results = append(rep.Results, collisions...)

	sort.SliceStable(rep.Results, func(i, j int) bool {
		return rep.Results[i].Path < rep.Results[j].Path
	})

	if opts.ShowDiff {
		filled, added, err := s.db.SymmetricDiff(ctx, opts.Suffix)
		if err != nil {
			s.logger.Error("failed to compute directory difference", "error", err)
		}
		sort.Slice(filled, func(i, j int) bool { return filled[i].Path < filled[j].Path })
		sort.Strings(added)
		sort.Strings(missing)
		rep.Filled = filled
		rep.Added = added
		rep.Missing = missing
		rep.Links = links
	}

	run.ItemsChanged = int64(len(changes))
	run.ItemsMissing = int64(len(missing))
	return rep, nil
}

// observe returns the scan task: lstat, re-hash and build the current record
func (s *Scanner) observe(hasher *FileHasher) TaskFunc[*database.FileRecord, observation] {
	return func(prev *database.FileRecord, out *ChunkOutput[observation]) {
		st, err := Lstat(prev.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				out.Emit(observation{prev: prev, missing: true})
				return
			}
			out.Log(slog.LevelError, "Permission error on: %s err: %v", prev.Path, err)
			return
		}

		cur := newRecord(prev.Path, st)
		switch {
		case st.IsSymlink():
			cur.Symlink = true
			if cur.Target, err = readTarget(prev.Path); err != nil {
				out.Log(slog.LevelDebug, "failed to read symlink %s: %v", prev.Path, err)
			}

		case st.IsRegular():
			res, err := hasher.Checksum(prev.Path, st)
			if err != nil {
				out.Log(slog.LevelError, "Problem getting metadata skipped: %s err: %v", prev.Path, err)
				return
			}
			switch res.Status {
			case StatusNoSuchFile:
				out.Emit(observation{prev: prev, missing: true})
				return
			case StatusChanged:
				out.Log(slog.LevelWarn, "File changed during scan skipping. file: %s", prev.Path)
				return
			case StatusRetried:
				cur = newRecord(prev.Path, res.Stat)
			}
			cur.Checksum = res.Checksum

		default:
			out.Log(slog.LevelDebug, "no longer a regular file, skipping: %s", prev.Path)
			return
		}

		cur.Version = prev.Version + 1
		if ctimeOnly(prev, cur) {
			cur.LastModified = cur.Timestamp
			cur.Timestamp = cur.ChangeTime
			cur.CAM = true
		}
		out.Emit(observation{prev: prev, cur: cur})
	}
}

// ctimeOnly reports an inode change without a content change: ctime moved
// past both the mtime and the previous ctime while mtime stayed put
func ctimeOnly(prev, cur *database.FileRecord) bool {
	return cur.Checksum == prev.Checksum &&
		cur.Target == prev.Target &&
		cur.MtimeUS == prev.MtimeUS &&
		cur.ChangeTime.After(cur.Timestamp) &&
		cur.ChangeTime.After(prev.ChangeTime)
}

// invokingUser returns the login behind sudo, or the current user
func invokingUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
