package publisher

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by DN using glob patterns
type GlobFilter struct {
	dnGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter. Commas separate pattern
// segments, so "*" stays within one RDN and "**" spans several.
// Empty patterns match everything.
func NewGlobFilter(dnPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		dnGlobs: make([]glob.Glob, 0, len(dnPatterns)),
	}

	for _, pattern := range dnPatterns {
		g, err := glob.Compile(strings.ToLower(pattern), ',')
		if err != nil {
			return nil, fmt.Errorf("invalid dn pattern %q: %w", pattern, err)
		}
		filter.dnGlobs = append(filter.dnGlobs, g)
	}

	return filter, nil
}

// Match returns true if dn matches any configured pattern
// If no patterns are configured, all events match
func (f *GlobFilter) Match(dn string) bool {
	if len(f.dnGlobs) == 0 {
		return true
	}

	dn = strings.ToLower(dn)
	for _, g := range f.dnGlobs {
		if g.Match(dn) {
			return true
		}
	}
	return false
}
