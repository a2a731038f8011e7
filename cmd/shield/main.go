package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmenanno/shield/internal/config"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/logging"
	"github.com/mmenanno/shield/internal/scanner"
	"github.com/mmenanno/shield/internal/seal"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	configPath string
	dbPath     string
	suffix     string
	driveType  string

	cfg     *config.Config
	db      *database.DB
	logger  *slog.Logger
	logFile *os.File
	sealer  *seal.Sealer
	runID   string

	// unsealed is set when this run decrypted the store from its sealed copy
	unsealed bool
)

// annotations on commands that work without opening the store
const (
	skipStore = "skip-store"
	readOnly  = "read-only"
)

func main() {
	// Ensure database is closed even on panic
	defer func() {
		if r := recover(); r != nil {
			if db != nil {
				db.Close()
			}
			panic(r) // Re-panic after cleanup
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "shield",
		Short: "Shield - file integrity profiles and change analysis",
		Long: `Shield builds checksummed profiles of system files, rescans them to
classify every change (suspect edits, replacements, deletions, copies and
collisions) and finds new files through a directory mtime cache.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return teardown(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the store (overrides database_path)")
	rootCmd.PersistentFlags().StringVarP(&suffix, "suffix", "s", "", "Profile suffix, one per indexed drive")
	rootCmd.PersistentFlags().StringVar(&driveType, "drive-type", "", "Drive type: auto, ssd or hdd (overrides drive_type)")

	// Build command
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build the baseline profile of a basedir",
		RunE:  runBuild,
	}
	buildCmd.Flags().StringP("basedir", "b", "/", "Directory to profile")
	buildCmd.Flags().Bool("drive-index", false, "Only rebuild the directory cache, without hashing")

	// Scan command
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Rehash the profile and classify every change",
		RunE:  runScan,
	}
	scanCmd.Flags().Bool("show-diff", false, "Report new, filled and missing entries since the build")
	scanCmd.Flags().String("diff-file", "", "Append the text report to this file")
	scanCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	scanCmd.Flags().Bool("detailed", false, "Include old and new sizes in stealth-edit notes")

	// Find-new command
	findNewCmd := &cobra.Command{
		Use:   "find-new",
		Short: "List files newer than the cached mtime of their directory",
		RunE:  runFindNew,
	}
	findNewCmd.Flags().Bool("analyze", false, "Hash new profile files and check them for copies")
	findNewCmd.Flags().StringP("output", "O", "", "Output file (default: stdout)")
	findNewCmd.Flags().StringP("format", "f", "text", "Output format (text, json)")

	// Set-hardlinks command
	hardlinksCmd := &cobra.Command{
		Use:   "set-hardlinks",
		Short: "Record the hardlink count of every profile file",
		RunE:  runSetHardlinks,
	}

	// Stats command
	statsCmd := &cobra.Command{
		Use:         "stats",
		Short:       "Display profile statistics",
		Annotations: map[string]string{readOnly: "true"},
		RunE:        runStats,
	}

	// Runs command
	runsCmd := &cobra.Command{
		Use:         "runs",
		Short:       "List recent runs",
		Annotations: map[string]string{readOnly: "true"},
		RunE:        runRuns,
	}
	runsCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")

	// History command
	historyCmd := &cobra.Command{
		Use:         "history <path>",
		Short:       "Show the change log of one file",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{readOnly: "true"},
		RunE:        runHistory,
	}

	// Config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	configInitCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration",
		Annotations: map[string]string{skipStore: "true"},
		RunE:        runConfigInit,
	}
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configValidateCmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration",
		Annotations: map[string]string{skipStore: "true"},
		RunE:        runConfigValidate,
	}

	configShowCmd := &cobra.Command{
		Use:         "show",
		Short:       "Show current configuration",
		Annotations: map[string]string{skipStore: "true"},
		RunE:        runConfigShow,
	}

	configCmd.AddCommand(configInitCmd, configValidateCmd, configShowCmd)

	// Seal command
	sealCmd := &cobra.Command{
		Use:   "seal",
		Short: "Manage encryption of the store at rest",
	}

	sealKeygenCmd := &cobra.Command{
		Use:         "keygen",
		Short:       "Generate an age identity and recipients file",
		Annotations: map[string]string{skipStore: "true"},
		RunE:        runSealKeygen,
	}
	sealKeygenCmd.Flags().Bool("protect", false, "Protect the identity with a passphrase")

	sealCmd.AddCommand(sealKeygenCmd)

	rootCmd.AddCommand(buildCmd, scanCmd, findNewCmd, hardlinksCmd, statsCmd, runsCmd, historyCmd, configCmd, sealCmd)

	err := rootCmd.Execute()
	if err != nil && db != nil {
		// the plaintext store stays behind for the next run to pick up
		db.Close()
	}
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return constants.ExitOK
	case errors.Is(err, seal.ErrReseal):
		return constants.ExitResealFailed
	case errors.Is(err, scanner.ErrNoProfile):
		return constants.ExitNoProfile
	case errors.Is(err, scanner.ErrSyncFailed):
		return constants.ExitSyncFailed
	default:
		return constants.ExitFailure
	}
}

func setup(cmd *cobra.Command, args []string) error {
	// Load configuration; store commands auto-generate a missing file
	load := config.Load
	if cmd.Annotations[skipStore] == "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Config file not found, creating default at %s\n", configPath)
		}
		load = config.LoadOrCreate
	}

	var err error
	cfg, err = load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if driveType != "" {
		cfg.DriveType = driveType
	}

	if cmd.Annotations[skipStore] != "" {
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	runID = uuid.NewString()
	logger, logFile, err = logging.New(cfg.LogDir, runID, level)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	if cfg.Seal.Enabled {
		sealer = seal.New(seal.Options{
			SealedPath:     cfg.SealedPath,
			RecipientsFile: cfg.Seal.RecipientsFile,
			IdentityFile:   cfg.Seal.IdentityFile,
			Compress:       cfg.Seal.Compress,
		})
		unsealed, err = sealer.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open sealed store: %w", err)
		}
		if unsealed {
			logger.Info("sealed store opened", "path", cfg.SealedPath)
		}
	}

	// Open database with config
	db, err = database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	return nil
}

// teardown closes the store and seals it again after a successful run
func teardown(cmd *cobra.Command) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("%w: closing store: %v", scanner.ErrSyncFailed, err)
	}
	db = nil

	if sealer == nil {
		return nil
	}
	if cmd.Annotations[readOnly] != "" {
		// the sealed copy is still current
		if unsealed {
			removePlaintext()
		}
		return nil
	}
	if err := sealer.Seal(cfg.DatabasePath); err != nil {
		logger.Error("store persisted but sealing failed; plaintext store left in place", "error", err)
		return err
	}
	removePlaintext()
	logger.Info("store sealed", "path", cfg.SealedPath)
	return nil
}

func removePlaintext() {
	for _, p := range []string{cfg.DatabasePath, cfg.DatabasePath + "-wal", cfg.DatabasePath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove plaintext store", "path", p, "error", err)
		}
	}
}

func newScanner() *scanner.Scanner {
	s := scanner.NewScanner(db, cfg, logger, os.Stdout)
	s.SetRunID(runID)
	s.Protect(cfg.DatabasePath, cfg.SealedPath, cfg.LogDir)
	return s
}
