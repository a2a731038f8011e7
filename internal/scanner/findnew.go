package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/mmenanno/shield/internal/analysis"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/dircache"
	"github.com/mmenanno/shield/internal/profile"
	"github.com/mmenanno/shield/internal/report"
)

// FindNewOptions tunes a find-new pass
type FindNewOptions struct {
	Suffix string
	// Analyze hashes new profile files and runs the copy sweep on them
	Analyze bool
	// Filters are extra path prefixes never reported, such as the output file
	Filters []string
}

// FindNew lists files newer than the cached mtime of their directory and
// advances the directory cache
func (s *Scanner) FindNew(ctx context.Context, opts FindNewOptions) (*report.Report, error) {
	prof, err := s.db.GetProfile(ctx, opts.Suffix)
	if err != nil {
		return nil, err
	}

	var rep *report.Report
	err = s.run(ctx, &database.Run{Kind: "find-new", Suffix: opts.Suffix, Basedir: prof.Basedir}, func(ctx context.Context, run *database.Run) error {
		var err error
		rep, err = s.findNew(ctx, prof, opts, run)
		return err
	})
	return rep, err
}

func (s *Scanner) findNew(ctx context.Context, prof *database.Profile, opts FindNewOptions, run *database.Run) (*report.Report, error) {
	entries, err := s.db.LoadCache(ctx, opts.Suffix)
	if err != nil {
		return nil, err
	}

	matcher, _, err := s.newMatcher(ctx, prof.Basedir, opts.Analyze)
	if err != nil {
		return nil, err
	}
	matcher.AddFilter(opts.Filters...)

	differ := dircache.New(entries, dircache.Options{
		Basedir:  matcher.Basedir(),
		Excluded: matcher.Excluded,
		Filtered: matcher.Filtered,
	})

	folders, err := dircache.BaseFolders(matcher.Basedir(), matcher.Excluded)
	if err != nil {
		return nil, fmt.Errorf("unable to read basedir %s: %w", matcher.Basedir(), err)
	}
	// spread large top-level trees across workers
	rand.Shuffle(len(folders), func(i, j int) { folders[i], folders[j] = folders[j], folders[i] })
	run.ItemsTotal = int64(len(folders))

	cfg := s.poolConfig(matcher.Basedir())
	cfg.BatchSize = 1
	cfg.MinChunk = constants.FindNewMinChunk

	task := func(root string, out *ChunkOutput[dircache.Result]) {
		out.Emit(differ.Scan(root, out.Log))
	}

	end := 100
	if opts.Analyze {
		end = 65
	}
	s.progress.StartPhase("directories", len(folders), 0, end)
	results, err := NewWorkerPool(cfg, task, s.logger, s.progress).Run(ctx, folders)
	if err != nil {
		return nil, err
	}

	var merged dircache.Result
	for _, r := range results {
		merged.Merge(r)
	}

	if err := s.db.ApplyCacheDelta(ctx, opts.Suffix, merged.Delta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	dircache.SortNewFiles(merged.NewFiles)

	s.logger.Info("find-new complete", "folders", len(folders), "updated_dirs", len(merged.Delta), "new_files", len(merged.NewFiles))

	rep := &report.Report{
		Kind:      "find-new",
		RunID:     s.runID,
		Suffix:    opts.Suffix,
		Basedir:   prof.Basedir,
		Generated: s.now(),
		NewFiles:  merged.NewFiles,
	}
	run.ItemsChanged = int64(len(merged.NewFiles))

	if opts.Analyze && len(merged.NewFiles) > 0 {
		copies, err := s.analyzeNew(ctx, prof, matcher, merged.NewFiles)
		if err != nil {
			return nil, err
		}
		rep.Results = copies
	}
	rep.Warnings = append(rep.Warnings, s.errorWarnings()...)

	return rep, nil
}

// analyzeNew hashes the new files that belong to the profile and checks them
// against every checksum in the store
func (s *Scanner) analyzeNew(ctx context.Context, prof *database.Profile, matcher *profile.Matcher, files []dircache.NewFile) ([]*analysis.Result, error) {
	hasher, err := NewFileHasher(prof.Algorithm, s.config.HashBufferSize, s.config.RetryBudget, s.config.MaxHashRateMB)
	if err != nil {
		return nil, err
	}

	classifier := analysis.NewClassifier(analysis.Options{Checksum: true, Now: s.now}, s.logger)

	task := func(f dircache.NewFile, out *ChunkOutput[*database.FileRecord]) {
		st, err := Lstat(f.Path)
		if err != nil {
			out.Log(slog.LevelDebug, "new file vanished: %s %v", f.Path, err)
			return
		}
		if !st.IsRegular() || !matcher.Match(f.Path, st.Mode) {
			return
		}

		res, err := hasher.Checksum(f.Path, st)
		if err != nil {
			out.Log(slog.LevelError, "failed to hash new file %s: %v", f.Path, err)
			return
		}
		if !res.Status.Usable() {
			out.Log(slog.LevelDebug, "skipping new file %s: %s", f.Path, res.Status)
			return
		}

		rec := newRecord(f.Path, res.Stat)
		rec.Checksum = res.Checksum
		out.Emit(rec)
	}

	s.progress.StartPhase("analysis", len(files), 65, 100)
	records, err := NewWorkerPool(s.poolConfig(prof.Basedir), task, s.logger, s.progress).Run(ctx, files)
	if err != nil {
		return nil, err
	}

	var candidates []*database.FileRecord
	for _, rec := range records {
		if res := classifier.Classify(nil, rec, false); res != nil && res.CopyCandidate {
			candidates = append(candidates, rec)
		}
	}

	return analysis.NewAnalyzer(s.db, prof.Suffix).Copies(ctx, candidates)
}
