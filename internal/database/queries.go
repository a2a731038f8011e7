package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BuildTx stages a baseline build. Baseline, change log, directory cache and
// snapshot tables change together on Commit or not at all.
type BuildTx struct {
	ctx        context.Context
	tx         *sql.Tx
	tables     Tables
	basedir    string
	algorithm  string
	driveIndex bool
	recStmt    *sql.Stmt
	dirStmt    *sql.Stmt
	records    int64
	dirs       int64
}

// BeginBuild drops and recreates the tables of one profile inside a single
// transaction. With driveIndex set only the directory cache and snapshot are
// rebuilt and the baseline is left alone.
func (db *DB) BeginBuild(ctx context.Context, basedir, suffix, algorithm string, driveIndex bool) (*BuildTx, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmts := []string{
		"DROP TABLE IF EXISTS " + tables.Cache,
		"DROP TABLE IF EXISTS " + tables.Snapshot,
		cacheDDL(tables.Cache),
		cacheDDL(tables.Snapshot),
	}
	if !driveIndex {
		stmts = append(stmts,
			"DROP TABLE IF EXISTS "+tables.Baseline,
			"DROP TABLE IF EXISTS "+tables.Log,
			baselineDDL(tables.Baseline),
			logDDL(tables.Log),
		)
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to prepare profile tables: %w", err)
		}
	}

	b := &BuildTx{
		ctx:        ctx,
		tx:         tx,
		tables:     tables,
		basedir:    basedir,
		algorithm:  algorithm,
		driveIndex: driveIndex,
	}

	b.dirStmt, err = tx.PrepareContext(ctx, `
		INSERT INTO `+tables.Cache+` (modified_time, modified_ns, filename, file_count, idx_count, idx_bytes, max_depth, type, target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to prepare cache insert: %w", err)
	}

	if !driveIndex {
		b.recStmt, err = tx.PrepareContext(ctx, `INSERT INTO `+tables.Baseline+` (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			b.dirStmt.Close()
			tx.Rollback()
			return nil, fmt.Errorf("failed to prepare baseline insert: %w", err)
		}
	}

	return b, nil
}

// InsertRecords adds baseline rows
func (b *BuildTx) InsertRecords(records []*FileRecord) error {
	if b.recStmt == nil {
		return fmt.Errorf("baseline is not rebuilt in drive index mode")
	}

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, err := b.recStmt.ExecContext(b.ctx, recordArgs(rec)...); err != nil {
			return fmt.Errorf("failed to insert baseline record %s: %w", rec.Path, err)
		}
		b.records++
	}

	return nil
}

// InsertDirectories seeds the directory cache
func (b *BuildTx) InsertDirectories(entries []*DirectoryEntry) error {
	for _, e := range entries {
		if _, err := b.dirStmt.ExecContext(b.ctx, directoryArgs(e)...); err != nil {
			return fmt.Errorf("failed to insert directory %s: %w", e.Path, err)
		}
		b.dirs++
	}
	return nil
}

// Commit copies the cache into the snapshot table, records the profile and
// commits everything at once
func (b *BuildTx) Commit() error {
	defer b.closeStmts()

	if _, err := b.tx.ExecContext(b.ctx, `INSERT INTO `+b.tables.Snapshot+` SELECT * FROM `+b.tables.Cache); err != nil {
		b.tx.Rollback()
		return fmt.Errorf("failed to seed directory snapshot: %w", err)
	}

	_, err := b.tx.ExecContext(b.ctx, `
		INSERT INTO profiles (suffix, basedir, algorithm, drive_index, file_count, dir_count, built_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(suffix) DO UPDATE SET
			basedir = excluded.basedir,
			algorithm = excluded.algorithm,
			drive_index = excluded.drive_index,
			file_count = CASE WHEN excluded.drive_index = 1 THEN profiles.file_count ELSE excluded.file_count END,
			dir_count = excluded.dir_count,
			built_at = excluded.built_at
	`, b.tables.Suffix, b.basedir, b.algorithm, b.driveIndex, b.records, b.dirs, time.Now().Unix())
	if err != nil {
		b.tx.Rollback()
		return fmt.Errorf("failed to record profile: %w", err)
	}

	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback abandons the build
func (b *BuildTx) Rollback() error {
	b.closeStmts()
	return b.tx.Rollback()
}

func (b *BuildTx) closeStmts() {
	if b.recStmt != nil {
		b.recStmt.Close()
	}
	if b.dirStmt != nil {
		b.dirStmt.Close()
	}
}

func directoryArgs(e *DirectoryEntry) []interface{} {
	var ns sql.NullInt64
	if !e.ModifiedTime.IsZero() {
		ns = sql.NullInt64{Int64: e.ModifiedTime.UnixNano(), Valid: true}
	}
	return []interface{}{
		FormatTime(e.ModifiedTime),
		ns,
		e.Path,
		e.FileCount,
		e.MatchedCount,
		e.ByteTotal,
		e.MaxDepth,
		nullString(string(e.Type)),
		nullString(e.Target),
	}
}

// CurrentRecords returns the current state of every profile file: the latest
// change-log row per filename plus baseline rows that were never logged.
// Rows that fail validation are returned separately so the caller can log them.
func (db *DB) CurrentRecords(ctx context.Context, suffix string) ([]*FileRecord, []error, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, nil, err
	}

	exists, err := tableExists(ctx, db.conn, tables.Baseline)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, ErrNoProfile
	}

	query := `
		SELECT ` + recordColumns + ` FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY filename ORDER BY count DESC, id DESC) AS rn
			FROM ` + tables.Log + `
		) WHERE rn = 1
		UNION ALL
		SELECT ` + recordColumns + ` FROM ` + tables.Baseline + ` AS s
		WHERE NOT EXISTS (SELECT 1 FROM ` + tables.Log + ` AS l WHERE l.filename = s.filename)
		ORDER BY filename
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query profile: %w", err)
	}
	defer rows.Close()

	var records []*FileRecord
	var skipped []error
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			if errors.Is(err, ErrMalformedRecord) {
				skipped = append(skipped, err)
				continue
			}
			return nil, nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate profile rows: %w", err)
	}

	return records, skipped, nil
}

// AppendChanges inserts observed records into the change log in one
// transaction. Rows identical on (timestamp, filename, changetime, checksum)
// are ignored.
func (db *DB) AppendChanges(ctx context.Context, suffix string, records []*FileRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tables, err := TablesFor(suffix)
	if err != nil {
		return 0, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO `+tables.Log+` (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, recordArgs(rec)...)
		if err != nil {
			return 0, fmt.Errorf("failed to append change for %s: %w", rec.Path, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return inserted, nil
}

// History returns every change-log row for a file, oldest first
func (db *DB) History(ctx context.Context, suffix, path string) ([]*FileRecord, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+tables.Log+` WHERE filename = ? ORDER BY count, id`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LoadCache reads the directory cache of a profile keyed by path
func (db *DB) LoadCache(ctx context.Context, suffix string) (map[string]*DirectoryEntry, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, err
	}
	return loadDirectories(ctx, db.conn, tables.Cache)
}

func loadDirectories(ctx context.Context, q queryer, table string) (map[string]*DirectoryEntry, error) {
	exists, err := tableExists(ctx, q, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNoProfile
	}

	rows, err := q.QueryContext(ctx, `
		SELECT modified_ns, filename, file_count, idx_count, idx_bytes, max_depth, type, target
		FROM `+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	entries := make(map[string]*DirectoryEntry)
	for rows.Next() {
		var (
			ns                           sql.NullInt64
			files, matched, bytes, depth sql.NullInt64
			path                         string
			typ, target                  sql.NullString
		)
		if err := rows.Scan(&ns, &path, &files, &matched, &bytes, &depth, &typ, &target); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		e := &DirectoryEntry{
			Path:         path,
			FileCount:    files.Int64,
			MatchedCount: matched.Int64,
			ByteTotal:    bytes.Int64,
			MaxDepth:     int(depth.Int64),
			Type:         EntryType(typ.String),
			Target:       target.String,
		}
		if ns.Valid {
			e.ModifiedTime = time.Unix(0, ns.Int64)
		}
		entries[path] = e
	}

	return entries, rows.Err()
}

// ApplyCacheDelta upserts changed or new directories into the cache, keyed
// by path. Unrelated rows are never rewritten.
func (db *DB) ApplyCacheDelta(ctx context.Context, suffix string, delta []*DirectoryEntry) error {
	tables, err := TablesFor(suffix)
	if err != nil {
		return err
	}

	exists, err := tableExists(ctx, db.conn, tables.Cache)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoProfile
	}
	if len(delta) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO `+tables.Cache+` (modified_time, modified_ns, filename, file_count, idx_count, idx_bytes, max_depth, type, target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			modified_time = excluded.modified_time,
			modified_ns = excluded.modified_ns,
			file_count = excluded.file_count,
			idx_bytes = excluded.idx_bytes
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range delta {
		if _, err := stmt.ExecContext(ctx, directoryArgs(e)...); err != nil {
			return fmt.Errorf("failed to upsert directory %s: %w", e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Collision pairs two distinct paths that share a checksum but not a size
type Collision struct {
	PathA, PathB string
	Checksum     string
	SizeA, SizeB int64
}

// FindCollisions self-joins the baseline and change log on checksum
func (db *DB) FindCollisions(ctx context.Context, suffix string) ([]Collision, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, err
	}

	query := `
		WITH allrec AS (
			SELECT filename, checksum, filesize FROM ` + tables.Baseline + ` WHERE checksum IS NOT NULL
			UNION
			SELECT filename, checksum, filesize FROM ` + tables.Log + ` WHERE checksum IS NOT NULL
		)
		SELECT DISTINCT a.filename, b.filename, a.checksum, a.filesize, b.filesize
		FROM allrec a
		JOIN allrec b ON a.checksum = b.checksum
		WHERE a.filename < b.filename AND a.filesize != b.filesize
		ORDER BY a.filename, b.filename
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query collisions: %w", err)
	}
	defer rows.Close()

	var out []Collision
	for rows.Next() {
		var c Collision
		if err := rows.Scan(&c.PathA, &c.PathB, &c.Checksum, &c.SizeA, &c.SizeB); err != nil {
			return nil, fmt.Errorf("failed to scan collision: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InodeRef is a (path, inode) pair known to the store
type InodeRef struct {
	Path  string
	Inode int64
}

// InodesForChecksum lists every stored file carrying a checksum
func (db *DB) InodesForChecksum(ctx context.Context, suffix, checksum string) ([]InodeRef, error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT filename, inode FROM `+tables.Baseline+` WHERE checksum = ?
		UNION
		SELECT filename, inode FROM `+tables.Log+` WHERE checksum = ?
		ORDER BY filename
	`, checksum, checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to query checksum %s: %w", checksum, err)
	}
	defer rows.Close()

	var refs []InodeRef
	for rows.Next() {
		var r InodeRef
		var inode sql.NullInt64
		if err := rows.Scan(&r.Path, &inode); err != nil {
			return nil, fmt.Errorf("failed to scan inode ref: %w", err)
		}
		r.Inode = inode.Int64
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// SymmetricDiff compares the live directory cache to the build-time snapshot.
// filled lists directories that had no files at build time and have files now;
// added lists directories that did not exist at build time.
func (db *DB) SymmetricDiff(ctx context.Context, suffix string) (filled []*DirectoryEntry, added []string, err error) {
	tables, err := TablesFor(suffix)
	if err != nil {
		return nil, nil, err
	}

	snapshot, err := loadDirectories(ctx, db.conn, tables.Snapshot)
	if err != nil {
		return nil, nil, err
	}
	live, err := loadDirectories(ctx, db.conn, tables.Cache)
	if err != nil {
		return nil, nil, err
	}

	for path, cur := range live {
		if cur.Typed() {
			continue
		}
		prev, ok := snapshot[path]
		if !ok {
			added = append(added, path)
			continue
		}
		if !prev.Typed() && prev.FileCount == 0 && cur.FileCount > 0 {
			filled = append(filled, cur)
		}
	}

	return filled, added, nil
}

// HardlinkUpdate sets the link count of one profile file. A NULL count marks
// a file that no longer exists.
type HardlinkUpdate struct {
	Path  string
	Inode int64
	Count sql.NullInt64
}

// SetHardlinks resets the hardlinks column of a profile and applies updates
// keyed by (inode, filename)
func (db *DB) SetHardlinks(ctx context.Context, suffix string, updates []HardlinkUpdate) error {
	tables, err := TablesFor(suffix)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{tables.Baseline, tables.Log} {
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET hardlinks = NULL`); err != nil {
			return fmt.Errorf("failed to reset hardlinks in %s: %w", table, err)
		}

		stmt, err := tx.PrepareContext(ctx, `UPDATE `+table+` SET hardlinks = ? WHERE inode = ? AND filename = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.Count, u.Inode, u.Path); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to set hardlinks for %s: %w", u.Path, err)
			}
		}
		stmt.Close()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Profile is the registry row for one built profile
type Profile struct {
	Suffix     string
	Basedir    string
	Algorithm  string
	DriveIndex bool
	FileCount  int64
	DirCount   int64
	BuiltAt    time.Time
}

// GetProfile returns the registry row for a suffix
func (db *DB) GetProfile(ctx context.Context, suffix string) (*Profile, error) {
	p := &Profile{}
	var builtAt int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT suffix, basedir, algorithm, drive_index, file_count, dir_count, built_at
		FROM profiles WHERE suffix = ?
	`, suffix).Scan(&p.Suffix, &p.Basedir, &p.Algorithm, &p.DriveIndex, &p.FileCount, &p.DirCount, &builtAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoProfile
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.BuiltAt = time.Unix(builtAt, 0)
	return p, nil
}

// Run records one invocation of a store operation
type Run struct {
	ID           string
	Kind         string
	Suffix       string
	Basedir      string
	Status       string
	ItemsTotal   int64
	ItemsChanged int64
	ItemsMissing int64
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// CreateRun inserts a running run
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	run.Status = "running"
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO scan_runs (id, kind, suffix, basedir, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Kind, run.Suffix, run.Basedir, run.Status, run.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters of a run
func (db *DB) FinishRun(ctx context.Context, run *Run) error {
	run.FinishedAt = time.Now()
	_, err := db.conn.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = ?, items_total = ?, items_changed = ?, items_missing = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, run.Status, run.ItemsTotal, run.ItemsChanged, run.ItemsMissing, nullString(run.Error), run.FinishedAt.Unix(), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, kind, suffix, basedir, status, items_total, items_changed, items_missing, error, started_at, finished_at
		FROM scan_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var errMsg sql.NullString
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Kind, &r.Suffix, &r.Basedir, &r.Status, &r.ItemsTotal, &r.ItemsChanged, &r.ItemsMissing, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = errMsg.String
		r.StartedAt = time.Unix(started, 0)
		if finished.Valid {
			r.FinishedAt = time.Unix(finished.Int64, 0)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
