package database

import (
	"fmt"
	"regexp"
)

var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Tables names the per-profile tables for one (basedir, suffix) pair
type Tables struct {
	Suffix   string
	Baseline string // sys
	Log      string // sys2
	Cache    string // directory cache, updated by find-new
	Snapshot string // systimeche, build-time copy of the cache
}

// TablesFor returns the table names for a profile suffix. The empty suffix
// is the default drive.
func TablesFor(suffix string) (Tables, error) {
	if !suffixPattern.MatchString(suffix) {
		return Tables{}, fmt.Errorf("invalid profile suffix %q: only letters, digits and underscore are allowed", suffix)
	}

	if suffix == "" {
		return Tables{
			Baseline: "sys",
			Log:      "sys2",
			Cache:    "cache",
			Snapshot: "systimeche",
		}, nil
	}

	return Tables{
		Suffix:   suffix,
		Baseline: "sys_" + suffix,
		Log:      "sys2_" + suffix,
		Cache:    "cache_" + suffix,
		Snapshot: "systimeche_" + suffix,
	}, nil
}
