package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/mmenanno/shield/internal/database"
)

// Stats summarises one profile
type Stats struct {
	BaselineFiles  int64
	BaselineSize   int64
	LoggedChanges  int64
	ChangedFiles   int64
	HardlinkGroups int64
	Directories    int64
	EmptyDirs      int64
	SymlinkDirs    int64
}

// Calculator calculates statistics from the database
type Calculator struct {
	db *database.DB
}

// NewCalculator creates a new stats calculator
func NewCalculator(db *database.DB) *Calculator {
	return &Calculator{db: db}
}

// Calculate calculates all statistics for a profile suffix
func (c *Calculator) Calculate(ctx context.Context, suffix string) (*Stats, error) {
	tables, err := database.TablesFor(suffix)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}

	if err := c.calculateBaseline(ctx, tables, stats); err != nil {
		return nil, fmt.Errorf("failed to calculate baseline totals: %w", err)
	}

	if err := c.calculateLog(ctx, tables, stats); err != nil {
		return nil, fmt.Errorf("failed to calculate change log totals: %w", err)
	}

	if err := c.calculateHardlinks(ctx, tables, stats); err != nil {
		return nil, fmt.Errorf("failed to calculate hardlinks: %w", err)
	}

	if err := c.calculateDirectories(ctx, tables, stats); err != nil {
		return nil, fmt.Errorf("failed to calculate directories: %w", err)
	}

	return stats, nil
}

func (c *Calculator) calculateBaseline(ctx context.Context, t database.Tables, stats *Stats) error {
	query := `SELECT COUNT(*), COALESCE(SUM(filesize), 0) FROM ` + t.Baseline
	return c.db.Conn().QueryRowContext(ctx, query).Scan(&stats.BaselineFiles, &stats.BaselineSize)
}

func (c *Calculator) calculateLog(ctx context.Context, t database.Tables, stats *Stats) error {
	query := `SELECT COUNT(*), COUNT(DISTINCT filename) FROM ` + t.Log
	return c.db.Conn().QueryRowContext(ctx, query).Scan(&stats.LoggedChanges, &stats.ChangedFiles)
}

func (c *Calculator) calculateHardlinks(ctx context.Context, t database.Tables, stats *Stats) error {
	query := `
		SELECT COUNT(*) FROM (
			SELECT inode FROM ` + t.Baseline + `
			WHERE hardlinks > 1
			GROUP BY inode
		)
	`
	return c.db.Conn().QueryRowContext(ctx, query).Scan(&stats.HardlinkGroups)
}

func (c *Calculator) calculateDirectories(ctx context.Context, t database.Tables, stats *Stats) error {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN file_count = 0 AND type IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM ` + t.Cache
	return c.db.Conn().QueryRowContext(ctx, query).Scan(&stats.Directories, &stats.EmptyDirs, &stats.SymlinkDirs)
}

// FormatSize formats a size in bytes to a human-readable string
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.2f %s", float64(bytes)/float64(div), units[exp])
}

// FormatDuration renders an elapsed time as 1h2m3s style text, rounded to
// the second. Sub-second durations keep millisecond precision.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
