// Package archive uploads recorded jobs from the local registry to an object
// store so their output outlives registry garbage collection.
//
// Archived jobs are laid out as:
//
//	<prefix>/<workload>/<job>/output.log
//	<prefix>/<workload>/<job>/job.json
//
// job.json is uploaded last and marks a complete archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobtail/pkg/provider"
	"github.com/3leaps/jobtail/pkg/provider/file"
	"github.com/3leaps/jobtail/pkg/provider/s3"
)

// Destination parse errors.
var (
	ErrNoDestination     = errors.New("no archive destination configured")
	ErrUnsupportedScheme = errors.New("unsupported archive destination scheme")
)

// Destination is a parsed archive location.
type Destination struct {
	Type provider.ProviderType

	// Bucket is set for s3 destinations.
	Bucket string

	// Dir is the absolute base directory for file destinations.
	Dir string

	// Prefix is the key prefix under the bucket or directory, without
	// leading or trailing slashes.
	Prefix string
}

// ParseDestination accepts "s3://bucket[/prefix]", "file:///dir" or a plain
// directory path.
func ParseDestination(raw string) (Destination, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, ErrNoDestination
	}

	if rest, ok := strings.CutPrefix(raw, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Destination{}, fmt.Errorf("invalid s3 destination %q: bucket is required", raw)
		}
		return Destination{Type: provider.ProviderS3, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	}

	dir := raw
	if rest, ok := strings.CutPrefix(raw, "file://"); ok {
		dir = rest
	} else if scheme, _, ok := strings.Cut(raw, "://"); ok {
		return Destination{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	if dir == "" {
		return Destination{}, fmt.Errorf("invalid file destination %q: path is required", raw)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Destination{}, fmt.Errorf("resolve %q: %w", dir, err)
	}
	return Destination{Type: provider.ProviderFile, Dir: abs}, nil
}

func (d Destination) String() string {
	switch d.Type {
	case provider.ProviderS3:
		if d.Prefix == "" {
			return "s3://" + d.Bucket
		}
		return "s3://" + d.Bucket + "/" + d.Prefix
	case provider.ProviderFile:
		return "file://" + filepath.ToSlash(d.Dir)
	default:
		return ""
	}
}

// S3Options carries S3 settings that are not part of the destination URI.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Open builds the provider for d.
func Open(ctx context.Context, d Destination, opts S3Options) (provider.Provider, error) {
	switch d.Type {
	case provider.ProviderS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         d.Bucket,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			Profile:        opts.Profile,
			ForcePathStyle: opts.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case provider.ProviderFile:
		p, err := file.New(file.Config{BaseDir: d.Dir})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, d.Type)
	}
}
