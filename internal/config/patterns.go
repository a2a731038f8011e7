package config

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mmenanno/shield/internal/constants"
)

// Patterns is a compiled, ordered list of exclusion globs. `*` matches across
// path separators, `%` is an alias for `*` and `{{user}}` is replaced with
// the invoking user. Results are memoized since the same path is checked
// once per classification.
type Patterns struct {
	raw   []string
	exprs []*regexp.Regexp

	mu    sync.RWMutex
	cache map[string]bool
	hits  uint64
	total uint64
}

// CompilePatterns compiles globs in order
func CompilePatterns(globs []string, user string) (*Patterns, error) {
	p := &Patterns{cache: make(map[string]bool)}
	for _, g := range globs {
		g = strings.ReplaceAll(g, "{{user}}", user)
		g = strings.ReplaceAll(g, "%", "*")
		re, err := regexp.Compile(globToRegexp(g))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", g, err)
		}
		p.raw = append(p.raw, g)
		p.exprs = append(p.exprs, re)
	}
	return p, nil
}

// Match reports whether path matches any pattern
func (p *Patterns) Match(path string) bool {
	if p == nil || len(p.exprs) == 0 {
		return false
	}

	p.mu.RLock()
	hit, ok := p.cache[path]
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	if ok {
		p.hits++
		return hit
	}

	hit = false
	for _, re := range p.exprs {
		if re.MatchString(path) {
			hit = true
			break
		}
	}

	if len(p.cache) >= constants.PatternCacheSize {
		p.cache = make(map[string]bool)
	}
	p.cache[path] = hit
	return hit
}

// Globs returns the expanded patterns
func (p *Patterns) Globs() []string {
	return p.raw
}

// Stats returns cache statistics
func (p *Patterns) Stats() (hits, total uint64, hitRate float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.total > 0 {
		hitRate = float64(p.hits) / float64(p.total) * 100
	}
	return p.hits, p.total, hitRate
}

// globToRegexp translates fnmatch syntax into an anchored expression
func globToRegexp(glob string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				sb.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + class + "]")
			i += end + 1
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}
