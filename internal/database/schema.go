package database

import "fmt"

// Per-profile tables are created at build time because their names carry the
// drive suffix. Static tables (profiles, scan_runs) live in migrations/.

const baselineSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT,
	filename TEXT NOT NULL UNIQUE,
	changetime TEXT,
	inode INTEGER,
	accesstime TEXT,
	checksum TEXT,
	filesize INTEGER,
	symlink TEXT,
	owner TEXT,
	"group" TEXT,
	permissions TEXT,
	casmod TEXT,
	target TEXT,
	lastmodified TEXT,
	hardlinks INTEGER,
	count INTEGER,
	mtime_us INTEGER
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_checksum ON %[1]s(checksum);
`

const logSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT,
	filename TEXT NOT NULL,
	changetime TEXT,
	inode INTEGER,
	accesstime TEXT,
	checksum TEXT,
	filesize INTEGER,
	symlink TEXT,
	owner TEXT,
	"group" TEXT,
	permissions TEXT,
	casmod TEXT,
	target TEXT,
	lastmodified TEXT,
	hardlinks INTEGER,
	count INTEGER,
	mtime_us INTEGER,
	UNIQUE(timestamp, filename, changetime, checksum)
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_checksum ON %[1]s(checksum);
CREATE INDEX IF NOT EXISTS idx_%[1]s_filename ON %[1]s(filename);
`

const cacheSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	modified_time TEXT,
	modified_ns INTEGER,
	filename TEXT NOT NULL UNIQUE,
	file_count INTEGER,
	idx_count INTEGER,
	idx_bytes INTEGER,
	max_depth INTEGER,
	type TEXT,
	target TEXT
);
`

func baselineDDL(table string) string { return fmt.Sprintf(baselineSchema, table) }

func logDDL(table string) string { return fmt.Sprintf(logSchema, table) }

func cacheDDL(table string) string { return fmt.Sprintf(cacheSchema, table) }
