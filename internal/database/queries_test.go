package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "shield.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(path, checksum string, inode, size int64, ts time.Time) *FileRecord {
	return &FileRecord{
		Timestamp:   ts.Truncate(time.Second),
		Path:        path,
		ChangeTime:  ts.Truncate(time.Second),
		Inode:       inode,
		AccessTime:  ts.Truncate(time.Second),
		Checksum:    checksum,
		Size:        size,
		Owner:       "root",
		Group:       "root",
		Permissions: "644",
		MtimeUS:     ts.UnixMicro(),
	}
}

func buildProfile(t *testing.T, db *DB, suffix string, recs []*FileRecord, dirs []*DirectoryEntry) {
	t.Helper()
	ctx := context.Background()
	b, err := db.BeginBuild(ctx, "/", suffix, "md5", false)
	require.NoError(t, err)
	require.NoError(t, b.InsertRecords(recs))
	require.NoError(t, b.InsertDirectories(dirs))
	require.NoError(t, b.Commit())
}

func TestTablesFor(t *testing.T) {
	tables, err := TablesFor("")
	require.NoError(t, err)
	assert.Equal(t, "sys", tables.Baseline)
	assert.Equal(t, "sys2", tables.Log)
	assert.Equal(t, "systimeche", tables.Snapshot)

	tables, err = TablesFor("usb1")
	require.NoError(t, err)
	assert.Equal(t, "sys_usb1", tables.Baseline)
	assert.Equal(t, "cache_usb1", tables.Cache)

	_, err = TablesFor("x; DROP TABLE sys")
	assert.Error(t, err)
}

func TestCurrentRecordsWithoutProfile(t *testing.T) {
	db := openTestDB(t)

	_, _, err := db.CurrentRecords(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestBuildAndCurrentRecords(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	buildProfile(t, db, "", []*FileRecord{
		testRecord("/etc/a.conf", "aaa", 10, 5, now),
		testRecord("/etc/b.conf", "bbb", 11, 6, now),
	}, []*DirectoryEntry{{Path: "/etc", ModifiedTime: now, FileCount: 2}})

	recs, skipped, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, recs, 2)
	assert.Equal(t, "/etc/a.conf", recs[0].Path)
	assert.Equal(t, now.UnixMicro(), recs[0].MtimeUS)

	changed := testRecord("/etc/a.conf", "ccc", 10, 7, now.Add(time.Minute))
	changed.Version = 1
	n, err := db.AppendChanges(ctx, "", []*FileRecord{changed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// identical row is ignored
	n, err = db.AppendChanges(ctx, "", []*FileRecord{changed})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	recs, _, err = db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ccc", recs[0].Checksum, "latest log row wins over baseline")
	assert.Equal(t, int64(1), recs[0].Version)
	assert.Equal(t, "bbb", recs[1].Checksum)

	history, err := db.History(ctx, "", "/etc/a.conf")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	profile, err := db.GetProfile(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), profile.FileCount)
	assert.Equal(t, int64(1), profile.DirCount)
}

func TestCurrentRecordsSkipsMalformedRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	buildProfile(t, db, "", []*FileRecord{testRecord("/etc/a", "aaa", 1, 1, time.Now())}, nil)

	_, err := db.Conn().ExecContext(ctx, `INSERT INTO sys (timestamp, filename, inode) VALUES ('not a time', '/etc/bad', 3)`)
	require.NoError(t, err)

	recs, skipped, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0], ErrMalformedRecord)
}

func TestRebuildReplacesProfile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	buildProfile(t, db, "", []*FileRecord{testRecord("/etc/a", "aaa", 1, 1, now)}, nil)
	_, err := db.AppendChanges(ctx, "", []*FileRecord{testRecord("/etc/a", "bbb", 1, 1, now.Add(time.Hour))})
	require.NoError(t, err)

	buildProfile(t, db, "", []*FileRecord{testRecord("/etc/z", "zzz", 9, 1, now)}, nil)

	recs, _, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/etc/z", recs[0].Path, "rebuild drops the old baseline and change log")
}

func TestBuildRollbackLeavesPreviousProfile(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	buildProfile(t, db, "", []*FileRecord{testRecord("/etc/a", "aaa", 1, 1, time.Now())}, nil)

	b, err := db.BeginBuild(ctx, "/", "", "md5", false)
	require.NoError(t, err)
	require.NoError(t, b.InsertRecords([]*FileRecord{testRecord("/etc/new", "n", 2, 1, time.Now())}))
	require.NoError(t, b.Rollback())

	recs, _, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/etc/a", recs[0].Path)
}

func TestDriveIndexBuildKeepsBaseline(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	buildProfile(t, db, "", []*FileRecord{testRecord("/etc/a", "aaa", 1, 1, time.Now())}, nil)

	b, err := db.BeginBuild(ctx, "/", "", "md5", true)
	require.NoError(t, err)
	assert.Error(t, b.InsertRecords([]*FileRecord{testRecord("/x", "x", 1, 1, time.Now())}))
	require.NoError(t, b.InsertDirectories([]*DirectoryEntry{{Path: "/etc", FileCount: 1}}))
	require.NoError(t, b.Commit())

	recs, _, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	cache, err := db.LoadCache(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, cache, "/etc")
}

func TestApplyCacheDeltaAndSymmetricDiff(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	then := time.Now().Add(-time.Hour)

	buildProfile(t, db, "", nil, []*DirectoryEntry{
		{Path: "/home", ModifiedTime: then, FileCount: 3, MaxDepth: 1},
		{Path: "/home/empty", ModifiedTime: then, FileCount: 0, MaxDepth: 2},
		{Path: "/home/link", Type: EntrySymlink, Target: "/opt"},
	})

	require.NoError(t, db.ApplyCacheDelta(ctx, "", []*DirectoryEntry{
		{Path: "/home/empty", ModifiedTime: time.Now(), FileCount: 2, ByteTotal: 10},
		{Path: "/home/fresh", ModifiedTime: time.Now(), FileCount: 1},
	}))

	cache, err := db.LoadCache(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cache["/home/empty"].FileCount)
	assert.Equal(t, 2, cache["/home/empty"].MaxDepth, "upsert leaves max_depth alone")
	assert.Equal(t, EntrySymlink, cache["/home/link"].Type)

	filled, added, err := db.SymmetricDiff(ctx, "")
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, "/home/empty", filled[0].Path)
	assert.Equal(t, []string{"/home/fresh"}, added)
}

func TestApplyCacheDeltaWithoutProfile(t *testing.T) {
	db := openTestDB(t)
	err := db.ApplyCacheDelta(context.Background(), "", []*DirectoryEntry{{Path: "/x"}})
	assert.ErrorIs(t, err, ErrNoProfile)
}

func TestFindCollisionsAndInodes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	buildProfile(t, db, "", []*FileRecord{
		testRecord("/bin/a", "same", 1, 100, now),
		testRecord("/bin/b", "same", 2, 100, now),
		testRecord("/bin/c", "other", 3, 5, now),
	}, nil)
	_, err := db.AppendChanges(ctx, "", []*FileRecord{testRecord("/bin/d", "same", 4, 200, now)})
	require.NoError(t, err)

	collisions, err := db.FindCollisions(ctx, "")
	require.NoError(t, err)
	require.Len(t, collisions, 2)
	assert.Equal(t, "/bin/a", collisions[0].PathA)
	assert.Equal(t, "/bin/d", collisions[0].PathB)
	assert.Equal(t, int64(100), collisions[0].SizeA)
	assert.Equal(t, int64(200), collisions[0].SizeB)

	refs, err := db.InodesForChecksum(ctx, "", "same")
	require.NoError(t, err)
	assert.Equal(t, []InodeRef{{"/bin/a", 1}, {"/bin/b", 2}, {"/bin/d", 4}}, refs)
}

func TestSetHardlinks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	buildProfile(t, db, "", []*FileRecord{
		testRecord("/bin/a", "x", 1, 1, time.Now()),
		testRecord("/bin/b", "y", 2, 1, time.Now()),
	}, nil)

	require.NoError(t, db.SetHardlinks(ctx, "", []HardlinkUpdate{
		{Path: "/bin/a", Inode: 1, Count: sql.NullInt64{Int64: 3, Valid: true}},
		{Path: "/bin/b", Inode: 99, Count: sql.NullInt64{Int64: 1, Valid: true}},
	}))

	recs, _, err := db.CurrentRecords(ctx, "")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, sql.NullInt64{Int64: 3, Valid: true}, recs[0].Hardlinks)
	assert.False(t, recs[1].Hardlinks.Valid, "inode mismatch leaves the column NULL")
}

func TestRunBookkeeping(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run := &Run{ID: "run-1", Kind: "scan", Basedir: "/"}
	require.NoError(t, db.CreateRun(ctx, run))

	run.Status = "completed"
	run.ItemsTotal = 10
	run.ItemsChanged = 2
	require.NoError(t, db.FinishRun(ctx, run))

	runs, err := db.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, int64(2), runs[0].ItemsChanged)
	assert.False(t, runs[0].FinishedAt.IsZero())
}
