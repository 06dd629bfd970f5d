// Package file implements the provider interface over a local directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/jobtail/pkg/provider"
)

// DefaultMaxKeys is the page size when ListOptions.MaxKeys is zero.
const DefaultMaxKeys = 1000

// Provider stores objects as files under BaseDir. Keys are '/'-separated
// paths relative to BaseDir.
type Provider struct {
	baseDir string
}

var _ provider.Provider = (*Provider)(nil)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderFile, Err: err}
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the root directory.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

// PutObject writes body to a temp file and renames it into place so readers
// never observe a partial object.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p.wrapError("PutObject", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".jobtail-put-*")
	if err != nil {
		return p.wrapError("PutObject", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return p.wrapError("PutObject", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("PutObject", key, err)
	}
	return nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Head", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:          cleanKey(key),
			Size:         st.Size(),
			LastModified: st.ModTime(),
		},
	}, nil
}

// List pages through keys in lexical order. The continuation token is the
// last key of the previous page.
func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	keys, err := p.collectKeys(strings.TrimPrefix(opts.Prefix, "/"))
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}

	start := 0
	if opts.ContinuationToken != "" {
		start = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.ContinuationToken })
	}
	end := min(start+maxKeys, len(keys))

	res := &provider.ListResult{Objects: make([]provider.ObjectSummary, 0, end-start)}
	for _, k := range keys[start:end] {
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		res.Objects = append(res.Objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteObject", key, err)
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return p.wrapError("DeleteObject", key, err)
	}
	return nil
}

func cleanKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "/")
}

// fullPath maps key to a path under baseDir. Empty keys and ".." segments
// are rejected.
func (p *Provider) fullPath(key string) (string, error) {
	key = cleanKey(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty", provider.ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", provider.ErrInvalidKey, key)
		}
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(key)), nil
}

// collectKeys returns every file key under prefix, sorted. A prefix that is
// not a directory matches files whose key starts with it.
func (p *Provider) collectKeys(prefix string) ([]string, error) {
	root := p.baseDir
	if dir := prefixDir(prefix); dir != "" {
		var err error
		if root, err = p.fullPath(dir); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".jobtail-put-") {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// prefixDir returns the directory portion of a key prefix.
func prefixDir(prefix string) string {
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return ""
	}
	return prefix[:i]
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderFile, Bucket: p.baseDir, Key: key, Err: err}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		wrapped.Err = provider.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
