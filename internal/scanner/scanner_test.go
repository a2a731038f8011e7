package scanner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmenanno/shield/internal/analysis"
	"github.com/mmenanno/shield/internal/config"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/logging"
	"github.com/mmenanno/shield/internal/report"
)

type fixture struct {
	root    string
	db      *database.DB
	cfg     *config.Config
	scanner *Scanner
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	writeTree(t, root, files)

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(dir, "store", "shield.db")
	cfg.DriveType = "ssd"
	cfg.StaleExclusions = nil
	cfg.Profile = config.ProfileConfig{Extensions: []string{".conf"}}

	db, err := database.New(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		root:    root,
		db:      db,
		cfg:     cfg,
		scanner: NewScanner(db, cfg, logging.Discard(), io.Discard),
	}
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, rel)
}

func (f *fixture) build(t *testing.T) *BuildResult {
	t.Helper()
	res, err := f.scanner.Build(context.Background(), BuildOptions{Basedir: f.root})
	require.NoError(t, err)
	return res
}

func resultFor(rep *report.Report, path string) *analysis.Result {
	for _, r := range rep.Results {
		if r.Path == path {
			return r
		}
	}
	return nil
}

// backdate moves the mtime of paths into the past so later writes are
// strictly newer
func backdate(t *testing.T, paths ...string) {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	for _, p := range paths {
		require.NoError(t, os.Chtimes(p, past, past))
	}
}

func TestBuild(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":   "hello world",
		"etc/other.conf": "other",
		"notes.txt":      "not in profile",
	})

	res := f.build(t)
	assert.Equal(t, int64(2), res.Files)
	assert.Equal(t, 3, res.Seen)
	assert.Zero(t, res.Missing)

	records, skipped, err := f.db.CurrentRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, f.path("etc/app.conf"), records[0].Path)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", records[0].Checksum)
	assert.Equal(t, int64(baselineVersion), records[0].Version)

	prof, err := f.db.GetProfile(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, f.root, prof.Basedir)
	assert.Equal(t, "md5", prof.Algorithm)

	runs, err := f.db.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "build", runs[0].Kind)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.Equal(t, f.scanner.RunID(), runs[0].ID)
}

func TestBuildParallel(t *testing.T) {
	files := make(map[string]string)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files["etc/"+name+".conf"] = name
	}
	f := newFixture(t, files)
	f.cfg.BatchSize = 1

	res := f.build(t)
	assert.Equal(t, int64(8), res.Files)
}

func TestBuildNothingMatched(t *testing.T) {
	f := newFixture(t, map[string]string{"notes.txt": "x"})

	_, err := f.scanner.Build(context.Background(), BuildOptions{Basedir: f.root})
	assert.ErrorIs(t, err, ErrNothingMatched)

	runs, err := f.db.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
}

func TestBuildEmptyTree(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(f.root, 0755))

	_, err := f.scanner.Build(context.Background(), BuildOptions{Basedir: f.root})
	assert.Error(t, err)
}

func TestRunsGetFreshIDs(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/app.conf": "x"})
	ctx := context.Background()

	f.scanner.SetRunID("fixed-id")
	f.build(t)
	assert.Equal(t, "fixed-id", f.scanner.RunID())

	_, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	_, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)

	runs, err := f.db.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	ids := make(map[string]bool)
	for _, r := range runs {
		assert.Equal(t, StatusCompleted, r.Status)
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3)
	assert.True(t, ids["fixed-id"])
	assert.NotEqual(t, "fixed-id", f.scanner.RunID())
}

func TestBuildDriveIndex(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":  "hello world",
		"opt/tool.conf": "tool",
	})
	ctx := context.Background()
	f.build(t)

	require.NoError(t, os.MkdirAll(f.path("srv/data"), 0755))
	res, err := f.scanner.Build(ctx, BuildOptions{Basedir: f.root, DriveIndex: true})
	require.NoError(t, err)
	assert.Zero(t, res.Files)
	assert.Empty(t, res.Manifest)

	cache, err := f.db.LoadCache(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, cache, f.path("srv/data"))

	// the baseline survives a drive index rebuild
	records, _, err := f.db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	prof, err := f.db.GetProfile(ctx, "")
	require.NoError(t, err)
	assert.True(t, prof.DriveIndex)

	runs, err := f.db.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "drive-index", runs[0].Kind)
	assert.Equal(t, StatusCompleted, runs[0].Status)
}

func TestScanWithoutProfile(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/app.conf": "x"})

	_, err := f.scanner.Scan(context.Background(), ScanOptions{})
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestScanDetectsSuspect(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":   "hello world",
		"etc/other.conf": "other",
	})
	f.build(t)

	// same size, new content, original mtime restored
	target := f.path("etc/app.conf")
	info, err := os.Stat(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("jello world"), 0644))
	require.NoError(t, os.Chtimes(target, info.ModTime(), info.ModTime()))

	rep, err := f.scanner.Scan(context.Background(), ScanOptions{})
	require.NoError(t, err)

	res := resultFor(rep, target)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindSuspect, res.Kind())
	require.NotEmpty(t, res.Alerts)
	assert.Contains(t, res.Alerts[0], "changed without a new modified time.")
	assert.Nil(t, resultFor(rep, f.path("etc/other.conf")))

	history, err := f.db.History(context.Background(), "", target)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(baselineVersion+1), history[0].Version)

	// the logged row is the new truth
	rep, err = f.scanner.Scan(context.Background(), ScanOptions{})
	require.NoError(t, err)
	if res := resultFor(rep, target); res != nil {
		assert.False(t, res.Has(analysis.KindSuspect))
	}
}

func TestScanSuspectAfterPermissionChange(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":   "hello world",
		"etc/other.conf": "other",
	})
	target := f.path("etc/app.conf")
	backdate(t, target)
	info, err := os.Stat(target)
	require.NoError(t, err)
	f.build(t)

	// ctime is stored in seconds, so it has to move past the build second
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, os.Chmod(target, 0600))

	ctx := context.Background()
	rep, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	res := resultFor(rep, target)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindMetadata, res.Kind())

	history, err := f.db.History(ctx, "", target)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].CAM)

	// same size, new content, original mtime restored
	require.NoError(t, os.WriteFile(target, []byte("jello world"), 0600))
	require.NoError(t, os.Chtimes(target, info.ModTime(), info.ModTime()))

	rep, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	res = resultFor(rep, target)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindSuspect, res.Kind())
}

func TestScanEditWithinSameSecond(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/app.conf": "hello world"})
	target := f.path("etc/app.conf")

	base := time.Now().Add(-time.Hour).Truncate(time.Second).Add(100 * time.Microsecond)
	require.NoError(t, os.Chtimes(target, base, base))
	f.build(t)

	edited := base.Add(500 * time.Millisecond)
	require.NoError(t, os.WriteFile(target, []byte("hello world, edited"), 0644))
	require.NoError(t, os.Chtimes(target, edited, edited))

	ctx := context.Background()
	rep, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	res := resultFor(rep, target)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindModified, res.Kind())

	history, err := f.db.History(ctx, "", target)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, edited.UnixMicro(), history[0].MtimeUS)

	rep, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Nil(t, resultFor(rep, target))
}

func TestScanSymlinkReplacedByFile(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/a.conf": "a"})
	f.cfg.Profile.Symlinks = true
	link := f.path("etc/current.conf")
	require.NoError(t, os.Symlink(f.path("etc/a.conf"), link))
	f.build(t)

	require.NoError(t, os.Remove(link))
	require.NoError(t, os.WriteFile(link, []byte("planted"), 0644))

	ctx := context.Background()
	rep, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	res := resultFor(rep, link)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindReplaced, res.Kind())

	history, err := f.db.History(ctx, "", link)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Symlink)
	assert.NotEmpty(t, history[0].Checksum)

	rep, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Nil(t, resultFor(rep, link))
}

func TestScanEstablishesMissingChecksum(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/busy.conf": "busy"})
	target := f.path("etc/busy.conf")
	f.build(t)

	// a baseline row recorded while the file kept changing
	ctx := context.Background()
	_, err := f.db.Conn().ExecContext(ctx, `UPDATE sys SET checksum = NULL WHERE filename = ?`, target)
	require.NoError(t, err)

	rep, err := f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	res := resultFor(rep, target)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindModified, res.Kind())

	history, err := f.db.History(ctx, "", target)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].Checksum)

	rep, err = f.scanner.Scan(ctx, ScanOptions{})
	require.NoError(t, err)
	assert.Nil(t, resultFor(rep, target))
}

func TestScanModifiedAndDeleted(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":   "hello world",
		"etc/other.conf": "other",
	})
	f.build(t)

	modified := f.path("etc/app.conf")
	require.NoError(t, os.WriteFile(modified, []byte("hello world, again"), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(modified, future, future))
	require.NoError(t, os.Remove(f.path("etc/other.conf")))

	rep, err := f.scanner.Scan(context.Background(), ScanOptions{ShowDiff: true})
	require.NoError(t, err)

	res := resultFor(rep, modified)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindModified, res.Kind())

	gone := resultFor(rep, f.path("etc/other.conf"))
	require.NotNil(t, gone)
	assert.Equal(t, analysis.KindDeleted, gone.Kind())
	assert.Equal(t, []string{f.path("etc/other.conf")}, rep.Missing)

	require.Len(t, rep.Warnings, 1)
	assert.Contains(t, rep.Warnings[0], "miss rate recommend rebuild index: 50.0%")

	runs, err := f.db.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "scan", runs[0].Kind)
	assert.Equal(t, int64(1), runs[0].ItemsChanged)
	assert.Equal(t, int64(1), runs[0].ItemsMissing)
}

func TestScanSymlinkTarget(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/a.conf": "a",
		"etc/b.conf": "b",
	})
	f.cfg.Profile.Symlinks = true
	link := f.path("etc/current.conf")
	require.NoError(t, os.Symlink(f.path("etc/a.conf"), link))
	f.build(t)

	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(f.path("etc/b.conf"), link))

	rep, err := f.scanner.Scan(context.Background(), ScanOptions{ShowDiff: true})
	require.NoError(t, err)

	require.Len(t, rep.Links, 1)
	assert.Equal(t, report.LinkChange{Path: link, Old: f.path("etc/a.conf"), New: f.path("etc/b.conf")}, rep.Links[0])

	history, err := f.db.History(context.Background(), "", link)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, f.path("etc/b.conf"), history[0].Target)
}

func TestFindNew(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":  "hello world",
		"opt/tool.conf": "tool",
		"notes.txt":     "x",
	})
	backdate(t, f.path("etc/app.conf"), f.path("opt/tool.conf"), f.path("notes.txt"), f.path("etc"), f.path("opt"), f.root)
	f.build(t)

	fresh := f.path("etc/copy.conf")
	require.NoError(t, os.WriteFile(fresh, []byte("hello world"), 0644))

	rep, err := f.scanner.FindNew(context.Background(), FindNewOptions{Analyze: true})
	require.NoError(t, err)

	require.Len(t, rep.NewFiles, 1)
	assert.Equal(t, fresh, rep.NewFiles[0].Path)

	res := resultFor(rep, fresh)
	require.NotNil(t, res)
	assert.Equal(t, analysis.KindCopy, res.Kind())
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "Copy: "+fresh+" checksum matches existing inode")

	// the cache advanced, so the same file is not new twice
	rep, err = f.scanner.FindNew(context.Background(), FindNewOptions{})
	require.NoError(t, err)
	assert.Empty(t, rep.NewFiles)
}

func TestFindNewFilters(t *testing.T) {
	f := newFixture(t, map[string]string{"etc/app.conf": "x"})
	backdate(t, f.path("etc/app.conf"), f.path("etc"), f.root)
	f.build(t)

	out := f.path("etc/report.txt")
	require.NoError(t, os.WriteFile(out, []byte("report"), 0644))

	rep, err := f.scanner.FindNew(context.Background(), FindNewOptions{Filters: []string{out}})
	require.NoError(t, err)
	assert.Empty(t, rep.NewFiles)
}

func TestSetHardlinks(t *testing.T) {
	f := newFixture(t, map[string]string{
		"etc/app.conf":   "hello world",
		"etc/other.conf": "other",
		"etc/gone.conf":  "gone",
	})
	require.NoError(t, os.Link(f.path("etc/app.conf"), f.path("etc/alias.conf")))
	f.build(t)
	require.NoError(t, os.Remove(f.path("etc/gone.conf")))

	res, err := f.scanner.SetHardlinks(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Linked)
	assert.Equal(t, 1, res.Single)
	assert.Equal(t, 1, res.NotFound)

	records, _, err := f.db.CurrentRecords(context.Background(), "")
	require.NoError(t, err)
	counts := make(map[string]int64)
	for _, r := range records {
		if r.Hardlinks.Valid {
			counts[filepath.Base(r.Path)] = r.Hardlinks.Int64
		}
	}
	assert.Equal(t, map[string]int64{"alias.conf": 2, "app.conf": 2, "other.conf": 1}, counts)
}

func TestCtimeOnly(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.Local)
	prev := &database.FileRecord{Timestamp: base, ChangeTime: base, Checksum: "a", MtimeUS: base.UnixMicro()}

	tests := []struct {
		name string
		cur  database.FileRecord
		want bool
	}{
		{"ctime advanced", database.FileRecord{Timestamp: base, ChangeTime: base.Add(time.Minute), Checksum: "a", MtimeUS: base.UnixMicro()}, true},
		{"content changed", database.FileRecord{Timestamp: base, ChangeTime: base.Add(time.Minute), Checksum: "b", MtimeUS: base.UnixMicro()}, false},
		{"mtime moved", database.FileRecord{Timestamp: base.Add(time.Minute), ChangeTime: base.Add(time.Minute), Checksum: "a", MtimeUS: base.Add(time.Minute).UnixMicro()}, false},
		{"ctime unchanged", database.FileRecord{Timestamp: base, ChangeTime: base, Checksum: "a", MtimeUS: base.UnixMicro()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ctimeOnly(prev, &tt.cur))
		})
	}
}
