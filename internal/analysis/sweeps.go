package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmenanno/shield/internal/database"
)

// Store is the full-store lookup the sweeps need
type Store interface {
	FindCollisions(ctx context.Context, suffix string) ([]database.Collision, error)
	InodesForChecksum(ctx context.Context, suffix, checksum string) ([]database.InodeRef, error)
}

// Analyzer runs the store-wide sweeps once per analysis pass
type Analyzer struct {
	store  Store
	suffix string
}

// NewAnalyzer creates a sweep analyzer for one profile
func NewAnalyzer(store Store, suffix string) *Analyzer {
	return &Analyzer{store: store, suffix: suffix}
}

// Collisions reports every pair of paths sharing a checksum with different sizes
func (a *Analyzer) Collisions(ctx context.Context) ([]*Result, error) {
	pairs, err := a.store.FindCollisions(ctx, a.suffix)
	if err != nil {
		return nil, fmt.Errorf("failed to find collisions: %w", err)
	}

	results := make([]*Result, 0, len(pairs))
	for _, p := range pairs {
		res := &Result{Path: p.PathA}
		res.flag(KindCollision)
		res.Alerts = append(res.Alerts, fmt.Sprintf("Collision: %s and %s share checksum %s with sizes %d and %d",
			p.PathA, p.PathB, p.Checksum, p.SizeA, p.SizeB))
		results = append(results, res)
	}
	return results, nil
}

// Copies checks candidates without history against every stored checksum.
// A match under another inode is a copy; a match under the same inode at
// another path means the inode now lives under a new name.
func (a *Analyzer) Copies(ctx context.Context, candidates []*database.FileRecord) ([]*Result, error) {
	var results []*Result

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if cand.Checksum == "" {
			continue
		}

		refs, err := a.store.InodesForChecksum(ctx, a.suffix, cand.Checksum)
		if err != nil {
			return results, fmt.Errorf("failed to look up copies of %s: %w", cand.Path, err)
		}

		var res *Result
		for _, ref := range refs {
			if ref.Path == cand.Path {
				continue
			}
			if res == nil {
				res = &Result{Path: cand.Path, Current: cand}
				res.flag(KindCopy)
			}
			if ref.Inode == cand.Inode {
				res.Notes = append(res.Notes, fmt.Sprintf("Inode reuse: %s has inode %d and checksum of %s", cand.Path, ref.Inode, ref.Path))
			} else {
				res.Notes = append(res.Notes, fmt.Sprintf("Copy: %s checksum matches existing inode %d", cand.Path, ref.Inode))
			}
		}
		if res != nil {
			results = append(results, res)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})
	return results, nil
}
