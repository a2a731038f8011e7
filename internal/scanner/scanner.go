package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mmenanno/shield/internal/config"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/disk"
	"github.com/mmenanno/shield/internal/profile"
)

// ErrNoProfile is returned when a scan is requested before a build
var ErrNoProfile = database.ErrNoProfile

// ErrNothingMatched is returned when a build found no profile files
var ErrNothingMatched = errors.New("no files matched the profile")

// ErrSyncFailed wraps a failure to commit results to the store
var ErrSyncFailed = errors.New("store sync failed")

// baselineVersion is the version of every row written by a build. Change-log
// rows start above it.
const baselineVersion = 1

// Run statuses
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Scanner coordinates builds, scans and find-new passes over one store
type Scanner struct {
	db       *database.DB
	config   *config.Config
	logger   *slog.Logger
	progress *Progress
	out      io.Writer
	runID    string
	nextID   string
	cancel   context.CancelFunc
	now      func() time.Time

	// protected paths are never part of a profile or reported as new
	protected []string
}

// NewScanner creates a new scanner. Progress milestones are written to out.
func NewScanner(db *database.DB, cfg *config.Config, logger *slog.Logger, out io.Writer) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		db:       db,
		config:   cfg,
		logger:   logger,
		progress: NewProgress(out),
		out:      out,
		now:      time.Now,
	}
}

// SetRunID fixes the ID of the next run, so log lines and the run row agree.
// Later runs get a generated ID.
func (s *Scanner) SetRunID(id string) {
	s.nextID = id
}

// RunID returns the ID of the current or last run
func (s *Scanner) RunID() string {
	return s.runID
}

// Protect keeps paths such as the store file out of every profile and report
func (s *Scanner) Protect(paths ...string) {
	for _, p := range paths {
		if p != "" {
			s.protected = append(s.protected, p)
		}
	}
}

// Cancel gracefully stops the current run. In-flight chunks finish.
func (s *Scanner) Cancel() bool {
	if s.cancel != nil {
		s.logger.Info("Gracefully cancelling run...")
		s.cancel()
		return true
	}
	return false
}

// run wraps an operation with signal handling and run bookkeeping
func (s *Scanner) run(ctx context.Context, run *database.Run, op func(ctx context.Context, run *database.Run) error) error {
	run.ID = s.nextID
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.nextID = ""
	s.runID = run.ID
	s.progress.Reset()

	if err := s.db.CreateRun(ctx, run); err != nil {
		return err
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			s.logger.Warn("Received interrupt signal, stopping run gracefully...")
			cancel()
		case <-ctx.Done():
		}
	}()

	opErr := op(ctx, run)

	run.Status = StatusCompleted
	if opErr != nil {
		if ctx.Err() != nil {
			run.Status = StatusInterrupted
		} else {
			run.Status = StatusFailed
		}
		run.Error = opErr.Error()
	}

	// the run context may already be cancelled
	if err := s.db.FinishRun(context.Background(), run); err != nil {
		s.logger.Error("Failed to update run status", "run", run.ID, "error", err)
	}
	s.cancel = nil

	snap := s.progress.GetSnapshot()
	s.logger.Info("run finished", "kind", run.Kind, "status", run.Status,
		"total", run.ItemsTotal, "changed", run.ItemsChanged, "missing", run.ItemsMissing,
		"errors", snap.Errors, "elapsed", snap.Elapsed)

	return opErr
}

// newMatcher compiles the configured profile for basedir. Layered profiles
// index their overlay images first unless layered is false.
func (s *Scanner) newMatcher(ctx context.Context, basedir string, layered bool) (*profile.Matcher, *profile.Layers, error) {
	p := s.config.Profile
	matcher := profile.NewMatcher(profile.Spec{
		Basedir:     basedir,
		Extensions:  p.Extensions,
		Paths:       p.Paths,
		ExcludeDirs: p.ExcludeDirs,
		Suppress:    p.Suppress,
		Exec:        p.Exec,
		Symlinks:    p.Symlinks,
	}, s.logger)
	matcher.AddFilter(s.protected...)

	if !p.XZM || !layered {
		return matcher, nil, nil
	}

	layers, err := profile.NewLayers(profile.LayerSpec{
		Basedir:   matcher.Basedir(),
		LayerRoot: p.LayerRoot,
		Path:      p.XZMPath,
		Library:   p.XZMLibrary,
		Binary:    p.XZMBinary,
		Exec:      p.Exec,
		Symlinks:  p.Symlinks,
	}, s.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load layers: %w", err)
	}
	if err := layers.Scan(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to scan layers: %w", err)
	}

	matched, scanned := layers.Count()
	s.logger.Info("layers indexed", "layers", len(layers.Layers()), "matched", matched, "scanned", scanned)

	return matcher.WithLayers(layers), layers, nil
}

// errorWarnings summarises the per-item errors of the current run
func (s *Scanner) errorWarnings() []string {
	snap := s.progress.GetSnapshot()
	if snap.Errors == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d items skipped on errors, last: %s", snap.Errors, snap.LastErrors[len(snap.LastErrors)-1])}
}

func (s *Scanner) newHasher() (*FileHasher, error) {
	return NewFileHasher(s.config.HashAlgorithm, s.config.HashBufferSize, s.config.RetryBudget, s.config.MaxHashRateMB)
}

// poolConfig resolves the drive type backing path and applies the configured limits
func (s *Scanner) poolConfig(path string) PoolConfig {
	configured, err := disk.ParseDriveType(s.config.DriveType)
	if err != nil {
		s.logger.Warn("invalid drive type, probing drive", "drive_type", s.config.DriveType)
		configured = disk.DriveAuto
	}
	driveType := disk.Resolve(configured, path)

	cfg := DefaultPoolConfig(driveType)
	if s.config.BatchSize > 0 {
		cfg.BatchSize = s.config.BatchSize
	}
	if s.config.MaxWorkers > 0 {
		cfg.MaxWorkers = s.config.MaxWorkers
	}
	s.logger.Debug("pool policy", "drive_type", driveType, "batch_size", cfg.BatchSize, "max_workers", cfg.MaxWorkers)
	return cfg
}

// newRecord turns a stat into a FileRecord. Timestamps are kept at second
// resolution, the resolution of the store; MtimeUS keeps the rest.
func newRecord(path string, st FileStat) *database.FileRecord {
	return &database.FileRecord{
		Timestamp:   st.Mtime.Truncate(time.Second),
		Path:        path,
		ChangeTime:  st.Ctime.Truncate(time.Second),
		Inode:       int64(st.Inode),
		AccessTime:  st.Atime.Truncate(time.Second),
		Size:        st.Size,
		Owner:       owners.UserName(st.Uid),
		Group:       owners.GroupName(st.Gid),
		Permissions: st.Permissions(),
		MtimeUS:     st.MtimeUS,
	}
}

// readTarget resolves a symlink target to an absolute path
func readTarget(path string) (string, error) {
	raw, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	return absTarget(path, raw), nil
}

// BuildOptions selects what a build indexes
type BuildOptions struct {
	Basedir string
	Suffix  string
	// DriveIndex rebuilds only the directory cache and its snapshot
	DriveIndex bool
}

// BuildResult summarises a build
type BuildResult struct {
	Files    int64
	Dirs     int
	Seen     int
	MaxDepth int
	Changed  int
	Missing  int
	// Errors counts files skipped on read errors
	Errors   int
	Manifest string
	Duration time.Duration
}

// Build walks basedir, hashes every profile file and replaces the profile
// tables in one transaction
func (s *Scanner) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	basedir := filepath.Clean(opts.Basedir)
	kind := "build"
	if opts.DriveIndex {
		kind = "drive-index"
	}

	var result *BuildResult
	err := s.run(ctx, &database.Run{Kind: kind, Suffix: opts.Suffix, Basedir: basedir}, func(ctx context.Context, run *database.Run) error {
		var err error
		result, err = s.build(ctx, basedir, opts, run)
		return err
	})
	return result, err
}

// hashed is the outcome of hashing one build candidate
type hashed struct {
	record *database.FileRecord
	status Status
}

func (s *Scanner) build(ctx context.Context, basedir string, opts BuildOptions, run *database.Run) (*BuildResult, error) {
	start := s.now()

	matcher, layers, err := s.newMatcher(ctx, basedir, true)
	if err != nil {
		return nil, err
	}

	s.logger.Info("walking", "basedir", basedir, "suffix", opts.Suffix, "drive_index", opts.DriveIndex)
	walk, err := NewWalker(matcher, s.logger).Walk(ctx)
	if err != nil {
		return nil, err
	}
	if walk.Seen == 0 {
		return nil, fmt.Errorf("no files found under %s", basedir)
	}
	s.logger.Info("walk complete", "files", walk.Seen, "matched", len(walk.Files), "dirs", len(walk.Dirs), "max_depth", walk.MaxDepth)

	result := &BuildResult{Dirs: len(walk.Dirs), Seen: walk.Seen, MaxDepth: walk.MaxDepth}

	var records []*database.FileRecord
	if !opts.DriveIndex {
		if len(walk.Files) == 0 {
			return nil, ErrNothingMatched
		}
		run.ItemsTotal = int64(len(walk.Files))

		records, err = s.hashCandidates(ctx, basedir, walk.Files, result)
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginBuild(ctx, basedir, opts.Suffix, s.config.HashAlgorithm, opts.DriveIndex)
	if err != nil {
		return nil, err
	}

	if !opts.DriveIndex {
		acc := NewBatchAccumulator(constants.InsertBatchSize, tx.InsertRecords, nil)
		for _, rec := range records {
			if err := acc.Add(rec); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if err := acc.Flush(); err != nil {
			tx.Rollback()
			return nil, err
		}
		result.Files = acc.Flushed()
	}

	if err := tx.InsertDirectories(walk.Dirs); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}

	if layers != nil && !opts.DriveIndex {
		result.Manifest = s.config.ManifestPath(opts.Suffix)
		if err := profile.WriteManifest(result.Manifest, layers.Manifest(opts.Suffix)); err != nil {
			s.logger.Error("failed to write baseline manifest", "path", result.Manifest, "error", err)
			result.Manifest = ""
		}
	}

	run.ItemsChanged = result.Files
	run.ItemsMissing = int64(result.Missing)
	result.Errors = s.progress.GetSnapshot().Errors
	result.Duration = s.now().Sub(start)
	return result, nil
}

// hashCandidates hashes the walked files through the pool. Files that vanish
// are dropped; files that keep changing are recorded without a checksum.
func (s *Scanner) hashCandidates(ctx context.Context, basedir string, files []FileCandidate, result *BuildResult) ([]*database.FileRecord, error) {
	hasher, err := s.newHasher()
	if err != nil {
		return nil, err
	}

	task := func(c FileCandidate, out *ChunkOutput[hashed]) {
		rec := newRecord(c.Path, c.Stat)
		rec.Version = baselineVersion

		if c.Symlink {
			rec.Symlink = true
			rec.Target = c.Target
			out.Emit(hashed{record: rec, status: StatusReturned})
			return
		}

		res, err := hasher.Checksum(c.Path, c.Stat)
		switch {
		case err != nil:
			out.Log(slog.LevelError, "Problem getting metadata skipped: %s err: %v", c.Path, err)
			return
		case res.Status == StatusNoSuchFile:
			out.Emit(hashed{status: StatusNoSuchFile})
			return
		case res.Status == StatusRetried:
			rec = newRecord(c.Path, res.Stat)
			rec.Version = baselineVersion
		case res.Status == StatusChanged:
			out.Log(slog.LevelWarn, "File changed during build, recorded without checksum: %s", c.Path)
		}
		rec.Checksum = res.Checksum
		out.Emit(hashed{record: rec, status: res.Status})
	}

	s.progress.StartPhase("hashing", len(files), 0, 100)
	pool := NewWorkerPool(s.poolConfig(basedir), task, s.logger, s.progress)
	outputs, err := pool.Run(ctx, files)
	if err != nil {
		return nil, err
	}

	records := make([]*database.FileRecord, 0, len(outputs))
	for _, o := range outputs {
		switch o.status {
		case StatusNoSuchFile:
			result.Missing++
			continue
		case StatusChanged:
			result.Changed++
		}
		records = append(records, o.record)
	}
	return records, nil
}
