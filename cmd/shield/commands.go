package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmenanno/shield/internal/config"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/disk"
	"github.com/mmenanno/shield/internal/report"
	"github.com/mmenanno/shield/internal/scanner"
	"github.com/mmenanno/shield/internal/seal"
	"github.com/mmenanno/shield/internal/stats"
)

func runBuild(cmd *cobra.Command, args []string) error {
	basedir, _ := cmd.Flags().GetString("basedir")
	driveIndex, _ := cmd.Flags().GetBool("drive-index")

	basedir, err := filepath.Abs(basedir)
	if err != nil {
		return fmt.Errorf("invalid basedir: %w", err)
	}

	logger.Info("Starting build...", "basedir", basedir, "suffix", suffix)
	res, err := newScanner().Build(context.Background(), scanner.BuildOptions{
		Basedir:    basedir,
		Suffix:     suffix,
		DriveIndex: driveIndex,
	})
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}

	if driveIndex {
		fmt.Printf("Drive index built: %d directories, max depth %d, in %s\n", res.Dirs, res.MaxDepth, stats.FormatDuration(res.Duration))
		return nil
	}

	fmt.Printf("Profile built: %d files, %d directories, in %s\n", res.Files, res.Dirs, stats.FormatDuration(res.Duration))
	if res.Errors > 0 {
		fmt.Printf("%d files skipped on read errors (see log)\n", res.Errors)
	}
	if res.Changed > 0 {
		fmt.Printf("%d files kept changing and were recorded without a checksum\n", res.Changed)
	}
	if res.Manifest != "" {
		fmt.Printf("Baseline manifest written to %s\n", res.Manifest)
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	showDiff, _ := cmd.Flags().GetBool("show-diff")
	diffFile, _ := cmd.Flags().GetString("diff-file")
	format, _ := cmd.Flags().GetString("format")
	detailed, _ := cmd.Flags().GetBool("detailed")

	rep, err := newScanner().Scan(context.Background(), scanner.ScanOptions{
		Suffix:   suffix,
		ShowDiff: showDiff || diffFile != "",
		Detailed: detailed,
	})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if err := writeReport(os.Stdout, rep, format); err != nil {
		return err
	}

	if diffFile != "" {
		if err := report.AppendFile(diffFile, rep); err != nil {
			return err
		}
		logger.Info("diff report appended", "path", diffFile)
	}
	return nil
}

func runFindNew(cmd *cobra.Command, args []string) error {
	analyze, _ := cmd.Flags().GetBool("analyze")
	output, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")

	var filters []string
	if output != "" {
		abs, err := filepath.Abs(output)
		if err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		output = abs
		filters = append(filters, output)
	}

	rep, err := newScanner().FindNew(context.Background(), scanner.FindNewOptions{
		Suffix:  suffix,
		Analyze: analyze,
		Filters: filters,
	})
	if err != nil {
		return fmt.Errorf("find-new failed: %w", err)
	}

	if output == "" {
		return writeReport(os.Stdout, rep, format)
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := writeReport(f, rep, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	logger.Info("new files written", "count", len(rep.NewFiles), "path", output)
	return nil
}

func runSetHardlinks(cmd *cobra.Command, args []string) error {
	res, err := newScanner().SetHardlinks(context.Background(), suffix)
	if err != nil {
		return fmt.Errorf("set-hardlinks failed: %w", err)
	}

	fmt.Printf("Hardlinks set: %d linked, %d single, %d not found\n", res.Linked, res.Single, res.NotFound)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	prof, err := db.GetProfile(ctx, suffix)
	if err != nil {
		return err
	}

	statistics, err := stats.NewCalculator(db).Calculate(ctx, suffix)
	if err != nil {
		return fmt.Errorf("failed to calculate stats: %w", err)
	}

	fmt.Printf("\n=== Profile Statistics ===\n\n")
	fmt.Printf("Basedir:           %s\n", prof.Basedir)
	if prof.Suffix != "" {
		fmt.Printf("Suffix:            %s\n", prof.Suffix)
	}
	fmt.Printf("Algorithm:         %s\n", prof.Algorithm)
	fmt.Printf("Built:             %s\n", prof.BuiltAt.Format(constants.TimestampLayout))
	fmt.Printf("Baseline Files:    %d (%s)\n", statistics.BaselineFiles, stats.FormatSize(statistics.BaselineSize))
	fmt.Printf("Logged Changes:    %d across %d files\n", statistics.LoggedChanges, statistics.ChangedFiles)
	fmt.Printf("Hardlink Groups:   %d\n", statistics.HardlinkGroups)
	fmt.Printf("Directories:       %d (%d empty, %d symlinked)\n", statistics.Directories, statistics.EmptyDirs, statistics.SymlinkDirs)

	if info, err := disk.GetDiskSpace(prof.Basedir); err == nil {
		fmt.Printf("Drive:             %s\n", disk.GetDiskUsageSummary(info))
	}
	if driveInfo, err := disk.Detect(prof.Basedir); err == nil {
		fmt.Printf("Drive Type:        %s (%s on %s)\n", driveInfo.Type, driveInfo.FSType, driveInfo.MountPoint)
	}

	fmt.Println()
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	runs, err := db.ListRuns(context.Background(), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tSUFFIX\tSTATUS\tTOTAL\tCHANGED\tMISSING\tID")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.StartedAt.Format(constants.TimestampLayout), r.Kind, r.Suffix, r.Status,
			r.ItemsTotal, r.ItemsChanged, r.ItemsMissing, r.ID)
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	records, err := db.History(context.Background(), suffix, path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No changes recorded for %s\n", path)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTIMESTAMP\tCHANGED\tSIZE\tINODE\tCHECKSUM\tOWNER\tMODE\tCAM")
	for _, r := range records {
		cam := ""
		if r.CAM {
			cam = "y"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s:%s\t%s\t%s\n",
			r.Version, r.Timestamp.Format(constants.TimestampLayout), r.ChangeTime.Format(constants.TimestampLayout),
			r.Size, r.Inode, r.Checksum, r.Owner, r.Group, r.Permissions, cam)
	}
	return w.Flush()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	if err := config.Default().Save(configPath); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", configPath)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Configuration is INVALID: %v\n", err)
		return err
	}

	fmt.Println("Configuration is valid ✓")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

func runSealKeygen(cmd *cobra.Command, args []string) error {
	protect, _ := cmd.Flags().GetBool("protect")

	if cfg.Seal.IdentityFile == "" {
		return fmt.Errorf("seal.identity_file is not set")
	}
	if _, err := os.Stat(cfg.Seal.IdentityFile); err == nil {
		return fmt.Errorf("identity %s already exists", cfg.Seal.IdentityFile)
	}

	var passphrase string
	if protect {
		var err error
		if passphrase, err = seal.TerminalPassphrase(); err != nil {
			return err
		}
	}

	if err := seal.GenerateIdentity(cfg.Seal.IdentityFile, cfg.Seal.RecipientsFile, passphrase); err != nil {
		return err
	}
	fmt.Printf("Identity written to %s\n", cfg.Seal.IdentityFile)
	if cfg.Seal.RecipientsFile != "" {
		fmt.Printf("Recipients written to %s\n", cfg.Seal.RecipientsFile)
	}
	return nil
}

func writeReport(w io.Writer, rep *report.Report, format string) error {
	switch format {
	case "text":
		return rep.WriteText(w)
	case "json":
		return rep.WriteJSON(w)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
