package match

import (
	"strings"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

// Selector applies a Matcher and an optional attribute filter to a file
// manifest.
type Selector struct {
	matcher *Matcher
	filter  *CompositeFilter
}

// NewSelector builds a Selector. A nil filter config applies patterns only.
func NewSelector(cfg Config, filters *FilterConfig) (*Selector, error) {
	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	f, err := NewFilterFromConfig(filters)
	if err != nil {
		return nil, err
	}
	return &Selector{matcher: m, filter: f}, nil
}

// Keep reports whether a single entry is selected.
func (s *Selector) Keep(e *jobstream.FileEntry) bool {
	if !s.matcher.Match(e.Name) {
		return false
	}
	return s.filter == nil || s.filter.Match(e)
}

// Select returns the selected entries in manifest order. The result is never
// nil so an empty selection is distinguishable from no manifest.
func (s *Selector) Select(files []jobstream.FileEntry) []jobstream.FileEntry {
	out := make([]jobstream.FileEntry, 0, len(files))
	for i := range files {
		if s.Keep(&files[i]) {
			out = append(out, files[i])
		}
	}
	return out
}

// String describes the active patterns and filters.
func (s *Selector) String() string {
	desc := "include: " + strings.Join(s.matcher.includes, ",")
	if len(s.matcher.excludes) > 0 {
		desc += "; exclude: " + strings.Join(s.matcher.excludes, ",")
	}
	if s.filter != nil {
		desc += "; " + s.filter.String()
	}
	return desc
}

