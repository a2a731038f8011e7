package profile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/mmenanno/shield/internal/constants"
)

// Default root lists of the layered profile, relative to basedir
var (
	DefaultLayerPath    = []string{"home", "root", "etc"}
	DefaultLayerLibrary = []string{"lib", "lib64", "usr/lib", "usr/lib64", "var/lib"}
	DefaultLayerBinary  = []string{"bin", "usr/bin", "usr/sbin", "etc", "sbin", "opt/porteus-scripts"}
	// DefaultLayerGlobs are searched in order; earlier layers win
	DefaultLayerGlobs = []string{"003-*", "002-*", "001-*"}
)

// LayerSpec configures layered matching
type LayerSpec struct {
	Basedir    string
	LayerRoot  string
	LayerGlobs []string
	Path       []string
	Library    []string
	Binary     []string
	Exec       bool
	Symlinks   bool
}

// LayerMatch is a file found in a layer, keyed by its path under basedir
type LayerMatch struct {
	Path   string
	Source string
	Layer  string
	Size   int64
	Target string
}

// Layers matches files by where they live inside read-only overlay layers.
// PATH roots win outright; LIBRARY takes precedence over BINARY.
type Layers struct {
	spec    LayerSpec
	logger  *slog.Logger
	layers  []string
	path    []string
	library []string
	binary  []string

	pathExist, libExist, binExist []string

	matches map[string]LayerMatch
	scanned int
}

// NewLayers resolves the layer directories and the configured roots. Roots
// missing from basedir are dropped with a warning.
func NewLayers(spec LayerSpec, logger *slog.Logger) (*Layers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if spec.Basedir == "" {
		spec.Basedir = "/"
	}
	if spec.LayerRoot == "" {
		spec.LayerRoot = constants.DefaultLayerRoot
	}
	if len(spec.LayerGlobs) == 0 {
		spec.LayerGlobs = DefaultLayerGlobs
	}
	if spec.Path == nil {
		spec.Path = DefaultLayerPath
	}
	if spec.Library == nil {
		spec.Library = DefaultLayerLibrary
	}
	if spec.Binary == nil {
		spec.Binary = DefaultLayerBinary
	}

	l := &Layers{
		spec:    spec,
		logger:  logger,
		matches: make(map[string]LayerMatch),
	}

	for _, pattern := range spec.LayerGlobs {
		found, err := filepath.Glob(filepath.Join(spec.LayerRoot, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid layer pattern %q: %w", pattern, err)
		}
		sort.Strings(found)
		l.layers = append(l.layers, found...)
	}
	if len(l.layers) == 0 {
		return nil, fmt.Errorf("no layers found under %s", spec.LayerRoot)
	}

	l.path, l.pathExist = l.checkRoots(spec.Path, "PATH")
	l.library, l.libExist = l.checkRoots(spec.Library, "LIBRARY")
	l.binary, l.binExist = l.checkRoots(spec.Binary, "BINARY")

	for _, lib := range l.library {
		for _, bin := range l.binary {
			if lib == bin {
				logger.Warn(fmt.Sprintf("Duplicate entry %s from LIBRARY in BINARY set. LIBRARY has precedence over BINARY.", lib))
			}
		}
	}

	return l, nil
}

func (l *Layers) checkRoots(configured []string, list string) (abs, exist []string) {
	var missing []string
	for _, p := range configured {
		full := filepath.Join(l.spec.Basedir, p)
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			abs = append(abs, full)
			exist = append(exist, p)
		} else {
			missing = append(missing, full)
		}
	}
	if len(missing) > 0 {
		l.logger.Warn(fmt.Sprintf("The following %s roots do not exist, removed and continuing: %s", list, strings.Join(missing, ", ")))
	}
	return abs, exist
}

// Layers returns the layer directories in search order
func (l *Layers) Layers() []string {
	return l.layers
}

// Scan walks every layer and records the matching files. A file matched in
// an earlier layer is not evaluated again.
func (l *Layers) Scan(ctx context.Context) error {
	for _, layer := range l.layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen := make(map[string]bool)
		l.scanDir(ctx, layer, layer, seen)
	}
	return nil
}

func (l *Layers) scanDir(ctx context.Context, layer, dir string, seen map[string]bool) {
	if seen[dir] || ctx.Err() != nil {
		return
	}
	seen[dir] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		l.logger.Error("failed to read layer directory", "dir", dir, "error", err)
		return
	}

	rel, err := filepath.Rel(layer, dir)
	if err != nil {
		return
	}
	base := filepath.Join(l.spec.Basedir, rel)

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		symlink := entry.Type()&os.ModeSymlink != 0

		if entry.IsDir() {
			l.scanDir(ctx, layer, path, seen)
			continue
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if symlink {
			if !l.spec.Symlinks {
				continue
			}
			if info, err = os.Lstat(path); err != nil {
				continue
			}
		}
		l.scanned++

		full := filepath.Join(base, entry.Name())
		if _, ok := l.matches[full]; ok {
			continue
		}

		if !l.matchFile(full, path, info.Mode()) {
			continue
		}

		m := LayerMatch{Path: full, Source: path, Layer: layer, Size: info.Size()}
		if symlink {
			if target, err := os.Readlink(path); err == nil {
				if !filepath.IsAbs(target) {
					target = filepath.Join(base, target)
				}
				m.Target = target
			}
		}
		l.matches[full] = m
	}
}

func (l *Layers) matchFile(full, source string, mode os.FileMode) bool {
	lower := strings.ToLower(filepath.Base(full))

	if underAny(full, l.path) {
		if !l.spec.Exec {
			return true
		}
		if IsSharedObject(lower) {
			return IsELF(source, l.logger)
		}
		return IsRegularExecutable(mode)
	}

	inLibrary := underAny(full, l.library) && IsSharedObject(lower)
	if inLibrary {
		if l.spec.Exec && !IsELF(source, l.logger) {
			l.logger.Debug("skipping non-ELF shared object", "path", source)
			return false
		}
		return true
	}

	if underAny(full, l.binary) {
		return IsRegularExecutable(mode)
	}
	return false
}

// Contains reports whether a basedir path was matched in some layer
func (l *Layers) Contains(path string) bool {
	_, ok := l.matches[path]
	return ok
}

// Lookup returns the layer match for a basedir path
func (l *Layers) Lookup(path string) (LayerMatch, bool) {
	m, ok := l.matches[path]
	return m, ok
}

// Count returns the number of matched files and the number of files seen
func (l *Layers) Count() (matched, scanned int) {
	return len(l.matches), l.scanned
}

// Manifest is the effective layered profile written after a build
type Manifest struct {
	Suffix  string   `toml:"suffix"`
	Basedir string   `toml:"basedir"`
	Layers  []string `toml:"layers"`
	Binary  []string `toml:"binary"`
	Path    []string `toml:"path"`
	Library []string `toml:"library"`
	Exec    bool     `toml:"exec"`
}

// Manifest returns the roots that actually exist on this system
func (l *Layers) Manifest(suffix string) Manifest {
	return Manifest{
		Suffix:  suffix,
		Basedir: l.spec.Basedir,
		Layers:  l.layers,
		Binary:  l.binExist,
		Path:    l.pathExist,
		Library: l.libExist,
		Exec:    l.spec.Exec,
	}
}

// WriteManifest stores a manifest as TOML
func WriteManifest(path string, m Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return m, fmt.Errorf("failed to read manifest: %w", err)
	}
	return m, nil
}
