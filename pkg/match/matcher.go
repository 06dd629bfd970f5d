// Package match selects file manifest entries using doublestar glob
// patterns plus optional size, date and name-regex filters.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates patterns against manifest entry names.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: entry must match at least one
//   - Exclude patterns: entry must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that names must match (at least one).
	// Required: at least one include pattern must be specified.
	Includes []string

	// Excludes are glob patterns that names must not match (any).
	Excludes []string

	// IncludeHidden controls whether hidden files are matched.
	// Hidden files have path segments starting with '.'.
	// Default: false (hidden files are excluded).
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a new Matcher from the given configuration.
//
// Patterns are normalized so Windows-style backslash separators work while
// escape sequences for literal glob metacharacters are kept.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		normalized := NormalizePattern(p)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match returns true if name matches the include/exclude patterns and is
// not hidden (unless IncludeHidden is set). Names are matched as-is.
func (m *Matcher) Match(name string) bool {
	if !m.includeHidden && IsHidden(name) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, name) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, name) {
			return false
		}
	}
	return true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// Validated at construction.
		return false
	}
	return matched
}

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Unescaped backslashes become forward slashes; escaped glob metacharacters
// (\*, \?, \[ ...) are preserved.
//
//	"results\2026\**"  → "results/2026/**"
//	"out/file\*.txt"   → "out/file\*.txt"
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			result.WriteRune('/')
			continue
		}
		if r == '\\' {
			result.WriteRune('/')
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// IsHidden returns true if any '/'-separated segment starts with a dot.
//
//	"results/out.csv"     → false
//	".cache/data.bin"     → true
//	"results/.checkpoint" → true
func IsHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
