// Package profile decides which files belong to an integrity profile.
package profile

import (
	"bytes"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// AlwaysExcluded directories are never walked, relative to basedir
var AlwaysExcluded = []string{"tmp"}

// Spec is the profile definition handed to the matcher
type Spec struct {
	Basedir string
	// Extensions is the allow-list. An empty string admits files without an
	// extension and ".so" switches on shared-library matching.
	Extensions []string
	// Paths are roots whose files always belong to the profile
	Paths []string
	// ExcludeDirs are never descended into
	ExcludeDirs []string
	// Suppress holds path prefixes that are never reported
	Suppress []string
	// Exec requires executables, or ELF objects for shared libraries
	Exec bool
	// Symlinks admits symlinked files
	Symlinks bool
}

// Matcher tests candidate files against a Spec
type Matcher struct {
	basedir       string
	extensions    []string
	paths         []string
	filters       []string
	excluded      map[string]bool
	noExtension   bool
	sharedLibrary bool
	exec          bool
	symlinks      bool
	layers        *Layers
	logger        *slog.Logger
}

// NewMatcher compiles a Spec
func NewMatcher(spec Spec, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	basedir := spec.Basedir
	if basedir == "" {
		basedir = "/"
	}
	basedir = filepath.Clean(basedir)

	m := &Matcher{
		basedir:  basedir,
		excluded: make(map[string]bool),
		exec:     spec.Exec,
		symlinks: spec.Symlinks,
		logger:   logger,
	}

	seen := make(map[string]bool)
	for _, e := range spec.Extensions {
		switch {
		case e == "":
			m.noExtension = true
		case e == ".so":
			m.sharedLibrary = true
		default:
			e = strings.ToLower(e)
			if !seen[e] {
				seen[e] = true
				m.extensions = append(m.extensions, e)
			}
		}
	}

	for _, p := range spec.Paths {
		m.paths = append(m.paths, m.absolute(p))
	}

	for _, s := range spec.Suppress {
		if s != "" {
			m.filters = append(m.filters, s)
		}
	}

	for _, d := range append(append([]string{}, AlwaysExcluded...), spec.ExcludeDirs...) {
		m.excluded[m.absolute(d)] = true
	}

	return m
}

// WithLayers switches the matcher to layered matching
func (m *Matcher) WithLayers(l *Layers) *Matcher {
	m.layers = l
	return m
}

// Basedir returns the cleaned root of the profile
func (m *Matcher) Basedir() string {
	return m.basedir
}

// Symlinks reports whether symlinked files are admitted
func (m *Matcher) Symlinks() bool {
	return m.symlinks
}

// Excluded reports whether a directory must not be walked
func (m *Matcher) Excluded(dir string) bool {
	return m.excluded[dir]
}

// Filtered reports whether path sits under a suppressed prefix
func (m *Matcher) Filtered(path string) bool {
	for _, f := range m.filters {
		if strings.HasPrefix(path, f) {
			return true
		}
	}
	return false
}

// AddFilter suppresses more path prefixes, such as the store file itself
func (m *Matcher) AddFilter(prefixes ...string) {
	for _, p := range prefixes {
		if p != "" {
			m.filters = append(m.filters, p)
		}
	}
}

// Match reports whether a file belongs to the profile. mode is the lstat mode
// for symlinks and the stat mode otherwise.
func (m *Matcher) Match(path string, mode fs.FileMode) bool {
	if m.layers != nil {
		return m.layers.Contains(path)
	}

	if m.Filtered(path) {
		return false
	}

	if underAny(path, m.paths) {
		return m.toSpec(path, mode, false)
	}

	name := filepath.Base(path)
	if m.noExtension && hasNoExtension(name) {
		return m.toSpec(path, mode, false)
	}

	lower := strings.ToLower(name)
	for _, ext := range m.extensions {
		if strings.HasSuffix(lower, ext) {
			return m.toSpec(path, mode, false)
		}
	}

	if m.sharedLibrary && IsSharedObject(lower) {
		return m.toSpec(path, mode, true)
	}

	return false
}

func (m *Matcher) toSpec(path string, mode fs.FileMode, sharedObject bool) bool {
	if !m.exec {
		return true
	}
	if m.sharedLibrary && sharedObject {
		return IsELF(path, m.logger)
	}
	return IsRegularExecutable(mode)
}

func (m *Matcher) absolute(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(m.basedir, p)
}

// hasNoExtension admits "Makefile" and ".bashrc" but not "a.txt" or ".a.b"
func hasNoExtension(name string) bool {
	if !strings.Contains(name, ".") {
		return true
	}
	return strings.HasPrefix(name, ".") && strings.Count(name, ".") == 1
}

// IsSharedObject reports whether a lowercased name looks like a shared
// library: libx.so or libx.so.1.2
func IsSharedObject(name string) bool {
	if strings.HasSuffix(name, ".so") {
		return true
	}
	if i := strings.Index(name, ".so."); i >= 0 {
		rest := name[i+len(".so."):]
		return rest != "" && rest[0] >= '0' && rest[0] <= '9'
	}
	return false
}

// IsRegularExecutable reports whether a regular file has the owner execute
// bit. Anything that is not a regular file passes.
func IsRegularExecutable(mode fs.FileMode) bool {
	if !mode.IsRegular() {
		return true
	}
	return mode&0100 != 0
}

// IsELF reports whether the file starts with the ELF magic number
func IsELF(path string, logger *slog.Logger) bool {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("skipping unreadable shared object", "path", path, "error", err)
		return false
	}
	defer f.Close()

	head := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	return bytes.Equal(head, elfMagic)
}

// underAny reports whether path is one of roots or lies beneath one
func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if under(path, r) {
			return true
		}
	}
	return false
}

func under(path, root string) bool {
	if root == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}
