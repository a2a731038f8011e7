// Package report renders the outcome of a scan or find-new run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mmenanno/shield/internal/analysis"
	"github.com/mmenanno/shield/internal/constants"
	"github.com/mmenanno/shield/internal/database"
	"github.com/mmenanno/shield/internal/dircache"
)

// LinkChange is a profile symlink whose target moved
type LinkChange struct {
	Path string `json:"path"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// Report is everything a run wants to tell the operator
type Report struct {
	Kind      string
	RunID     string
	Suffix    string
	Basedir   string
	Generated time.Time

	Results  []*analysis.Result
	NewFiles []dircache.NewFile
	Warnings []string

	// Symmetric difference against the build-time snapshot
	Filled  []*database.DirectoryEntry
	Added   []string
	Missing []string
	Links   []LinkChange
}

// HasDiff reports whether a symmetric difference was computed and is non-empty
func (r *Report) HasDiff() bool {
	return len(r.Filled) > 0 || len(r.Added) > 0 || len(r.Missing) > 0 || len(r.Links) > 0
}

// WriteText renders the report as plain text
func (r *Report) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("=== %s %s ===\n", r.Kind, r.Generated.Format(constants.TimestampLayout))
	if r.Basedir != "" {
		ew.printf("basedir: %s", r.Basedir)
		if r.Suffix != "" {
			ew.printf("  suffix: %s", r.Suffix)
		}
		ew.printf("\n")
	}

	for _, warn := range r.Warnings {
		ew.printf("%s\n", warn)
	}

	var alerts, notes []string
	for _, res := range r.Results {
		for _, line := range res.FlagLines() {
			ew.printf("%s\n", line)
		}
		alerts = append(alerts, res.Alerts...)
		notes = append(notes, res.Notes...)
	}
	if len(alerts) > 0 {
		ew.printf("\n")
		for _, a := range alerts {
			ew.printf("%s\n", a)
		}
	}
	if len(notes) > 0 {
		ew.printf("\n")
		for _, n := range notes {
			ew.printf("%s\n", n)
		}
	}

	if len(r.NewFiles) > 0 {
		ew.printf("\n")
		for _, f := range r.NewFiles {
			ew.printf("%s %s\n", f.ModTime.Format(constants.TimestampLayout), f.Path)
		}
	}

	if r.HasDiff() {
		ew.printf("\n")
		for _, d := range r.Filled {
			ew.printf("Directory no longer empty: %s (%d files)\n", d.Path, d.FileCount)
		}
		for _, p := range r.Added {
			ew.printf("New directory: %s\n", p)
		}
		for _, p := range r.Missing {
			ew.printf("Missing file: %s\n", p)
		}
		for _, l := range r.Links {
			ew.printf("Symlink target change %s: %s → %s\n", l.Path, l.Old, l.New)
		}
	}

	return ew.err
}

type jsonResult struct {
	Path   string   `json:"path"`
	Flags  []string `json:"flags,omitempty"`
	Alerts []string `json:"alerts,omitempty"`
	Notes  []string `json:"notes,omitempty"`
}

type jsonNewFile struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mtime"`
}

// WriteJSON renders the report as indented JSON
func (r *Report) WriteJSON(w io.Writer) error {
	out := struct {
		Kind      string        `json:"kind"`
		RunID     string        `json:"run_id,omitempty"`
		Suffix    string        `json:"suffix,omitempty"`
		Basedir   string        `json:"basedir,omitempty"`
		Generated time.Time     `json:"generated"`
		Warnings  []string      `json:"warnings,omitempty"`
		Results   []jsonResult  `json:"results,omitempty"`
		NewFiles  []jsonNewFile `json:"new_files,omitempty"`
		Added     []string      `json:"new_directories,omitempty"`
		Filled    []string      `json:"filled_directories,omitempty"`
		Missing   []string      `json:"missing,omitempty"`
		Links     []LinkChange  `json:"symlinks,omitempty"`
	}{
		Kind:      r.Kind,
		RunID:     r.RunID,
		Suffix:    r.Suffix,
		Basedir:   r.Basedir,
		Generated: r.Generated,
		Warnings:  r.Warnings,
		Added:     r.Added,
		Missing:   r.Missing,
		Links:     r.Links,
	}

	for _, res := range r.Results {
		jr := jsonResult{Path: res.Path, Alerts: res.Alerts, Notes: res.Notes}
		for _, f := range res.Flags {
			jr.Flags = append(jr.Flags, f.String())
		}
		out.Results = append(out.Results, jr)
	}
	for _, f := range r.NewFiles {
		out.NewFiles = append(out.NewFiles, jsonNewFile{Path: f.Path, ModTime: f.ModTime})
	}
	for _, d := range r.Filled {
		out.Filled = append(out.Filled, d.Path)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// AppendFile appends the text report to path
func AppendFile(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open diff file: %w", err)
	}

	if err := r.WriteText(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write diff file: %w", err)
	}
	if _, err := io.WriteString(f, "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write diff file: %w", err)
	}
	return f.Close()
}

// errWriter keeps the first write error
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
