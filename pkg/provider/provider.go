// Package provider defines the object storage sinks that recorded jobs are
// archived to.
//
// Providers implement a small surface: write, stat, list and delete objects
// under string keys. Authentication uses SDK default credential chains;
// providers should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts an object store used as an archive destination.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// PutObject creates or overwrites key with body. contentLength is the
	// exact body size; stores that need it up front rely on it.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Close releases any resources held by the provider.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the page size. Zero uses the provider default.
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page. Empty when
	// IsTruncated is false.
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		out   []ObjectSummary
		token string
	)
	for {
		page, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory.
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
