package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmenanno/shield/internal/database"
)

var (
	now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	t1  = now.Add(-time.Hour)
	t2  = now.Add(-30 * time.Minute)
)

func rec(path, checksum string, inode int64, ts time.Time) *database.FileRecord {
	return &database.FileRecord{
		Timestamp:   ts,
		Path:        path,
		ChangeTime:  ts,
		AccessTime:  ts,
		Inode:       inode,
		Checksum:    checksum,
		Size:        100,
		Owner:       "root",
		Group:       "root",
		Permissions: "644",
		MtimeUS:     ts.UnixMicro() + 123,
	}
}

func newClassifier() *Classifier {
	return NewClassifier(Options{Checksum: true, Now: func() time.Time { return now }}, nil)
}

func TestClassifyRules(t *testing.T) {
	tests := []struct {
		name   string
		prev   *database.FileRecord
		cur    func(*database.FileRecord) *database.FileRecord
		want   Kind
		system bool
	}{
		{
			name: "unchanged",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { c := *p; return &c },
			want: KindNone,
		},
		{
			name: "suspect",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { c := *p; c.Checksum = "H3"; return &c },
			want: KindSuspect,
		},
		{
			name: "metadata",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { c := *p; c.Permissions = "755"; return &c },
			want: KindMetadata,
		},
		{
			name: "overwrite",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { return rec("/a", "H1", 2, t2) },
			want: KindOverwrite,
		},
		{
			name: "replaced",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { return rec("/a", "H2", 2, t2) },
			want: KindReplaced,
		},
		{
			name: "modified",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { return rec("/a", "H2", 1, t2) },
			want: KindModified,
		},
		{
			name: "touched",
			prev: rec("/a", "H1", 1, t1),
			cur:  func(p *database.FileRecord) *database.FileRecord { return rec("/a", "H1", 1, t2) },
			want: KindTouched,
		},
		{
			name: "touched suppressed by cam",
			prev: rec("/a", "H1", 1, t1),
			cur: func(p *database.FileRecord) *database.FileRecord {
				c := rec("/a", "H1", 1, t2)
				c.CAM = true
				return c
			},
			want: KindNone,
		},
	}

	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.prev, tt.cur(tt.prev), tt.system)
			if tt.want == KindNone {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, tt.want, res.Kind())
		})
	}
}

func TestSuspectScenario(t *testing.T) {
	c := newClassifier()
	a := rec("/d/a.txt", "H1", 10, t1)
	b := rec("/d/b.txt", "H2", 11, t2)

	aNow := *a
	aNow.Checksum = "H3"
	bNow := *b

	res := c.Classify(a, &aNow, false)
	require.NotNil(t, res)
	assert.Equal(t, KindSuspect, res.Kind())
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, "Suspect file: /d/a.txt previous checksum H1 currently H3. changed without a new modified time.", res.Alerts[0])

	assert.Nil(t, c.Classify(b, &bNow, false))
}

func TestSuspectAfterCamRecord(t *testing.T) {
	c := newClassifier()

	// a chmod left a cam row: Timestamp holds the ctime, LastModified the mtime
	prev := rec("/etc/app.conf", "H1", 1, t2)
	prev.CAM = true
	prev.LastModified = t1
	prev.MtimeUS = t1.UnixMicro() + 123

	cur := rec("/etc/app.conf", "H2", 1, t1)
	res := c.Classify(prev, cur, false)
	require.NotNil(t, res)
	assert.Equal(t, KindSuspect, res.Kind())

	legacy := *prev
	legacy.MtimeUS = 0
	res = c.Classify(&legacy, cur, false)
	require.NotNil(t, res)
	assert.Equal(t, KindSuspect, res.Kind(), "falls back to LastModified without microseconds")
}

func TestEditWithinSameSecond(t *testing.T) {
	prev := rec("/etc/app.conf", "H1", 1, t1)
	prev.MtimeUS = t1.UnixMicro() + 100

	cur := rec("/etc/app.conf", "H2", 1, t1)
	cur.MtimeUS = t1.UnixMicro() + 500_100

	res := newClassifier().Classify(prev, cur, false)
	require.NotNil(t, res)
	assert.Equal(t, KindModified, res.Kind())
}

func TestUnhashedPairs(t *testing.T) {
	link := rec("/etc/current.conf", "", 1, t1)
	link.Symlink, link.Target = true, "/etc/real.conf"

	tests := []struct {
		name string
		prev *database.FileRecord
		cur  *database.FileRecord
		want Kind
	}{
		{"symlink replaced by file", link, rec("/etc/current.conf", "H1", 2, t2), KindReplaced},
		{"symlink replaced by file keeping mtime", link, rec("/etc/current.conf", "H1", 2, t1), KindReplaced},
		{"baseline row without checksum", rec("/etc/busy.log", "", 3, t1), rec("/etc/busy.log", "H1", 3, t1), KindModified},
		{"baseline row replaced", rec("/etc/busy.log", "", 3, t1), rec("/etc/busy.log", "H1", 4, t2), KindReplaced},
		{"current still unhashed", rec("/etc/busy.log", "H1", 3, t1), rec("/etc/busy.log", "", 3, t2), KindNone},
	}

	c := newClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.prev, tt.cur, false)
			if tt.want == KindNone {
				assert.Nil(t, res)
				return
			}
			require.NotNil(t, res)
			assert.Equal(t, tt.want, res.Kind())
		})
	}

	file := rec("/etc/current.conf", "H1", 1, t1)
	relinked := rec("/etc/current.conf", "", 5, t2)
	relinked.Symlink, relinked.Target = true, "/tmp/evil"
	res := c.Classify(file, relinked, false)
	require.NotNil(t, res)
	assert.Equal(t, KindReplaced, res.Kind(), "file replaced by symlink")
}

func TestSuspectWinsOverMetadata(t *testing.T) {
	c := newClassifier()
	prev := rec("/a", "H1", 1, t1)
	cur := *prev
	cur.Checksum = "H9"
	cur.Owner = "nobody"

	res := c.Classify(prev, &cur, false)
	require.NotNil(t, res)
	assert.Equal(t, KindSuspect, res.Kind())
	assert.True(t, res.Has(KindMetadata))
	assert.Equal(t, "Permissions of file: /a changed root root 644 → nobody root 644", res.Notes[0])
}

func TestStealthDiagnostics(t *testing.T) {
	prev := rec("/a", "H1", 1, t1)

	same := rec("/a", "H2", 1, t2)
	res := newClassifier().Classify(prev, same, false)
	require.NotNil(t, res)
	assert.Contains(t, res.Alerts, "Warning file /a same filesize different checksum. Contents changed.")

	near := rec("/a", "H2", 1, t2)
	near.Size = 105
	detailed := NewClassifier(Options{Checksum: true, Detailed: true, Now: func() time.Time { return now }}, nil)
	res = detailed.Classify(prev, near, false)
	require.NotNil(t, res)
	assert.Contains(t, res.Notes, "Checksum indicates a change in /a. Size changed slightly - possible stealth edit. (100 → 105).")

	far := rec("/a", "H2", 1, t2)
	far.Size = 500
	res = newClassifier().Classify(prev, far, false)
	require.NotNil(t, res)
	assert.Empty(t, res.Notes)
	assert.Empty(t, res.Alerts)
}

func TestSymlinkTargetChange(t *testing.T) {
	prev := rec("/l", "", 1, t1)
	prev.Symlink, prev.Target = true, "/old"
	cur := rec("/l", "", 1, t2)
	cur.Symlink, cur.Target = true, "/new"

	res := newClassifier().Classify(prev, cur, false)
	require.NotNil(t, res)
	assert.Equal(t, KindSymlinkTarget, res.Kind())
	assert.Equal(t, "Symlink target change /old → /new", res.Notes[0])
}

func TestStaleNotes(t *testing.T) {
	old := now.AddDate(0, 0, -10)
	prev := rec("/home/u/.cache/x", "H1", 1, old)
	cur := rec("/home/u/.cache/x", "H2", 1, now)
	cur.Size = 900

	res := newClassifier().Classify(prev, cur, true)
	require.NotNil(t, res)
	assert.Contains(t, res.Notes, "File that isnt regularly updated /home/u/.cache/x. and is a system file.")

	excluding := NewClassifier(Options{
		Checksum: true,
		Now:      func() time.Time { return now },
		Excluded: func(p string) bool { return strings.Contains(p, "/.cache/") },
	}, nil)
	res = excluding.Classify(prev, cur, false)
	require.NotNil(t, res)
	assert.Empty(t, res.Notes)
}

func TestMicrosecondZero(t *testing.T) {
	prev := rec("/a", "H1", 1, t1)
	cur := rec("/a", "H1", 1, t2)
	cur.MtimeUS = 1_700_000_000_000_000

	res := newClassifier().Classify(prev, cur, false)
	require.NotNil(t, res)
	assert.Contains(t, res.Notes, "Unusual modified time file has microsecond all zero: /a timestamp: 1700000000000000")
}

func TestWithoutChecksums(t *testing.T) {
	c := NewClassifier(Options{Now: func() time.Time { return now }}, nil)

	res := c.Classify(rec("/a", "", 1, t1), rec("/a", "", 2, t2), false)
	require.NotNil(t, res)
	assert.Equal(t, KindReplaced, res.Kind())

	res = c.Classify(rec("/a", "", 1, t1), rec("/a", "", 1, t2), false)
	require.NotNil(t, res)
	assert.Equal(t, KindModified, res.Kind())

	assert.Nil(t, c.Classify(nil, rec("/n", "", 1, t2), false), "no copy candidates without checksums")
}

func TestCopyCandidateAndDeleted(t *testing.T) {
	c := newClassifier()

	res := c.Classify(nil, rec("/new", "H1", 5, t2), false)
	require.NotNil(t, res)
	assert.True(t, res.CopyCandidate)
	assert.Empty(t, res.Flags)

	prev := rec("/gone", "H1", 5, t1)
	res = c.Classify(prev, nil, false)
	require.NotNil(t, res)
	assert.Equal(t, KindDeleted, res.Kind())
	assert.Equal(t, []string{"Deleted " + t1.Format("2006-01-02 15:04:05") + " " + t1.Format("2006-01-02 15:04:05") + " /gone"}, res.FlagLines())
}

func TestMalformedRecordsAreSkipped(t *testing.T) {
	c := newClassifier()
	bad := &database.FileRecord{Path: "/a"}
	assert.Nil(t, c.Classify(rec("/a", "H1", 1, t1), bad, false))
	assert.Nil(t, c.Classify(bad, rec("/a", "H1", 1, t1), false))
}

type fakeStore struct {
	collisions []database.Collision
	refs       map[string][]database.InodeRef
	err        error
}

func (f *fakeStore) FindCollisions(ctx context.Context, suffix string) ([]database.Collision, error) {
	return f.collisions, f.err
}

func (f *fakeStore) InodesForChecksum(ctx context.Context, suffix, checksum string) ([]database.InodeRef, error) {
	return f.refs[checksum], f.err
}

func TestCollisionSweep(t *testing.T) {
	store := &fakeStore{collisions: []database.Collision{
		{PathA: "/x", PathB: "/y", Checksum: "H", SizeA: 10, SizeB: 20},
	}}

	results, err := NewAnalyzer(store, "").Collisions(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindCollision, results[0].Kind())
	assert.Equal(t, "Collision: /x and /y share checksum H with sizes 10 and 20", results[0].Alerts[0])
}

func TestCopySweep(t *testing.T) {
	store := &fakeStore{refs: map[string][]database.InodeRef{
		"H1": {{Path: "/a.txt", Inode: 100}},
		"H2": {{Path: "/orig", Inode: 7}},
	}}

	moved := rec("/c.txt", "H1", 100, t2)
	copied := rec("/copy", "H2", 8, t2)
	unique := rec("/unique", "H3", 9, t2)

	results, err := NewAnalyzer(store, "").Copies(context.Background(), []*database.FileRecord{moved, copied, unique})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/c.txt", results[0].Path)
	assert.Equal(t, KindCopy, results[0].Kind())
	assert.False(t, results[0].Has(KindReplaced))
	assert.Equal(t, "Inode reuse: /c.txt has inode 100 and checksum of /a.txt", results[0].Notes[0])

	assert.Equal(t, "/copy", results[1].Path)
	assert.Equal(t, "Copy: /copy checksum matches existing inode 7", results[1].Notes[0])
}

func TestSweepErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("boom")}
	a := NewAnalyzer(store, "")

	_, err := a.Collisions(context.Background())
	assert.Error(t, err)

	_, err = a.Copies(context.Background(), []*database.FileRecord{rec("/a", "H", 1, t1)})
	assert.Error(t, err)
}
