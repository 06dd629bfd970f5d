package match

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

// Filter is a predicate over manifest entries, applied after glob matching.
type Filter interface {
	Match(e *jobstream.FileEntry) bool
	String() string
}

// FilterConfig is the filters section of a watch manifest or the equivalent
// --files-* flags. Zero fields impose no constraint.
type FilterConfig struct {
	Size      *SizeFilterConfig `json:"size,omitempty" yaml:"size,omitempty"`
	Modified  *DateFilterConfig `json:"modified,omitempty" yaml:"modified,omitempty"`
	NameRegex string            `json:"name_regex,omitempty" yaml:"name_regex,omitempty"`
}

// SizeFilterConfig bounds entry size, both ends inclusive. Values accept
// units: "1KB" is 1000 bytes, "1KiB" is 1024.
type SizeFilterConfig struct {
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateFilterConfig bounds modification time: After is inclusive, Before is
// exclusive. Values are "2026-01-15" or RFC 3339.
type DateFilterConfig struct {
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
}

var (
	ErrInvalidSize  = errors.New("invalid size value")
	ErrInvalidDate  = errors.New("invalid date value")
	ErrInvalidRegex = errors.New("invalid regex pattern")
)

// Size units.
const (
	KB int64 = humanize.KByte
	MB int64 = humanize.MByte
	GB int64 = humanize.GByte

	KiB int64 = humanize.KiByte
	MiB int64 = humanize.MiByte
	GiB int64 = humanize.GiByte
)

// SizeFilter keeps entries whose size lies in [min, max].
type SizeFilter struct {
	min, max       int64
	hasMin, hasMax bool
}

// NewSizeFilter returns nil for a nil config.
func NewSizeFilter(cfg *SizeFilterConfig) (*SizeFilter, error) {
	if cfg == nil {
		return nil, nil
	}
	f := &SizeFilter{}
	var err error
	if cfg.Min != "" {
		if f.min, err = ParseSize(cfg.Min); err != nil {
			return nil, fmt.Errorf("min size: %w", err)
		}
		f.hasMin = true
	}
	if cfg.Max != "" {
		if f.max, err = ParseSize(cfg.Max); err != nil {
			return nil, fmt.Errorf("max size: %w", err)
		}
		f.hasMax = true
	}
	if f.hasMin && f.hasMax && f.min > f.max {
		return nil, fmt.Errorf("%w: min %s is above max %s", ErrInvalidSize, cfg.Min, cfg.Max)
	}
	return f, nil
}

func (f *SizeFilter) Match(e *jobstream.FileEntry) bool {
	return (!f.hasMin || e.SizeBytes >= f.min) && (!f.hasMax || e.SizeBytes <= f.max)
}

func (f *SizeFilter) String() string {
	switch {
	case f.hasMin && f.hasMax:
		return "size: " + FormatSize(f.min) + " - " + FormatSize(f.max)
	case f.hasMin:
		return "size: >= " + FormatSize(f.min)
	case f.hasMax:
		return "size: <= " + FormatSize(f.max)
	}
	return "size: any"
}

// DateFilter keeps entries modified in [after, before). An entry without a
// modification time only passes an unbounded filter.
type DateFilter struct {
	after, before time.Time
}

// NewDateFilter returns nil for a nil config.
func NewDateFilter(cfg *DateFilterConfig) (*DateFilter, error) {
	if cfg == nil {
		return nil, nil
	}
	f := &DateFilter{}
	var err error
	if cfg.After != "" {
		if f.after, err = ParseDate(cfg.After); err != nil {
			return nil, fmt.Errorf("after date: %w", err)
		}
	}
	if cfg.Before != "" {
		if f.before, err = ParseDate(cfg.Before); err != nil {
			return nil, fmt.Errorf("before date: %w", err)
		}
	}
	if !f.after.IsZero() && !f.before.IsZero() && !f.after.Before(f.before) {
		return nil, fmt.Errorf("%w: after %s is not before %s", ErrInvalidDate, cfg.After, cfg.Before)
	}
	return f, nil
}

func (f *DateFilter) Match(e *jobstream.FileEntry) bool {
	bounded := !f.after.IsZero() || !f.before.IsZero()
	if e.ModifiedAt.IsZero() {
		return !bounded
	}
	if !f.after.IsZero() && e.ModifiedAt.Before(f.after) {
		return false
	}
	return f.before.IsZero() || e.ModifiedAt.Before(f.before)
}

func (f *DateFilter) String() string {
	const day = "2006-01-02"
	switch {
	case !f.after.IsZero() && !f.before.IsZero():
		return "modified: " + f.after.Format(day) + " to " + f.before.Format(day)
	case !f.after.IsZero():
		return "modified: on/after " + f.after.Format(day)
	case !f.before.IsZero():
		return "modified: before " + f.before.Format(day)
	}
	return "modified: any"
}

// RegexFilter keeps entries whose full name matches a regular expression.
type RegexFilter struct {
	re *regexp.Regexp
}

// NewRegexFilter returns nil for an empty pattern.
func NewRegexFilter(pattern string) (*RegexFilter, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegex, err)
	}
	return &RegexFilter{re: re}, nil
}

func (f *RegexFilter) Match(e *jobstream.FileEntry) bool { return f.re.MatchString(e.Name) }

func (f *RegexFilter) String() string { return "name_regex: " + f.re.String() }

// CompositeFilter passes an entry only if every filter does.
type CompositeFilter struct {
	filters []Filter
}

// NewFilterFromConfig builds the configured filters in size, date, regex
// order. It returns nil when none are configured.
func NewFilterFromConfig(cfg *FilterConfig) (*CompositeFilter, error) {
	if cfg == nil {
		return nil, nil
	}

	c := &CompositeFilter{}
	size, err := NewSizeFilter(cfg.Size)
	if err != nil {
		return nil, err
	}
	if size != nil {
		c.filters = append(c.filters, size)
	}
	date, err := NewDateFilter(cfg.Modified)
	if err != nil {
		return nil, err
	}
	if date != nil {
		c.filters = append(c.filters, date)
	}
	re, err := NewRegexFilter(cfg.NameRegex)
	if err != nil {
		return nil, err
	}
	if re != nil {
		c.filters = append(c.filters, re)
	}

	if len(c.filters) == 0 {
		return nil, nil
	}
	return c, nil
}

func (c *CompositeFilter) Match(e *jobstream.FileEntry) bool {
	for _, f := range c.filters {
		if !f.Match(e) {
			return false
		}
	}
	return true
}

func (c *CompositeFilter) String() string {
	parts := make([]string, 0, len(c.filters))
	for _, f := range c.filters {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ", ")
}

// Filters returns the filters in evaluation order.
func (c *CompositeFilter) Filters() []Filter { return c.filters }

// ParseSize parses a byte count with an optional SI (KB, MB) or IEC (KiB,
// MiB) unit, case-insensitive. Bare numbers are bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.ContainsAny(s[:1], "0123456789.") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows int64", ErrInvalidSize, s)
	}
	return int64(n), nil
}

// FormatSize renders n with IEC units ("977 KiB").
func FormatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// ParseDate parses "2006-01-02" (midnight UTC) or RFC 3339 with optional
// fractional seconds. The result is in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}
