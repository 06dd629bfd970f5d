package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/pkg/provider"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)
	var perr *provider.ProviderError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "New", perr.Op)
}

func TestPutObjectAndHead(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	put(t, p, "jobs/w1/j1/job.json", `{"job_id":"j1"}`)

	b, err := os.ReadFile(filepath.Join(p.BaseDir(), "jobs", "w1", "j1", "job.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"job_id":"j1"}`, string(b))

	meta, err := p.Head(ctx, "/jobs/w1/j1/job.json")
	require.NoError(t, err)
	assert.Equal(t, "jobs/w1/j1/job.json", meta.Key)
	assert.Equal(t, int64(len(`{"job_id":"j1"}`)), meta.Size)
	assert.False(t, meta.LastModified.IsZero())

	// Overwrite replaces content.
	put(t, p, "jobs/w1/j1/job.json", "{}")
	meta, err = p.Head(ctx, "jobs/w1/j1/job.json")
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.Size)

	entries, err := os.ReadDir(filepath.Join(p.BaseDir(), "jobs", "w1", "j1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestHead_NotFound(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	_, err := p.Head(ctx, "missing.json")
	assert.True(t, provider.IsNotFound(err))

	put(t, p, "dir/file.txt", "x")
	_, err = p.Head(ctx, "dir")
	assert.True(t, provider.IsNotFound(err), "directories are not objects")
}

func TestInvalidKeys(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/../../escape", "a/.."} {
		err := p.PutObject(ctx, key, strings.NewReader("x"), 1)
		assert.ErrorIs(t, err, provider.ErrInvalidKey, "key %q", key)
	}
	_, err := p.Head(ctx, "../etc/passwd")
	assert.Equal(t, provider.CodeInvalidKey, provider.Code(err))
}

func TestList_PrefixAndPagination(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	for _, k := range []string{"a/1.log", "a/2.log", "a/3.log", "ab/4.log", "b/5.log"} {
		put(t, p, k, k)
	}

	page, err := p.List(ctx, provider.ListOptions{Prefix: "a/", MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "a/1.log", page.Objects[0].Key)
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "a/2.log", page.ContinuationToken)

	page, err = p.List(ctx, provider.ListOptions{Prefix: "a/", MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "a/3.log", page.Objects[0].Key)
	assert.False(t, page.IsTruncated)

	// A partial segment prefix matches sibling directories too.
	all, err := provider.ListAll(ctx, p, "a")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	all, err = provider.ListAll(ctx, p, "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := provider.ListAll(ctx, p, "zzz/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteObject(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	put(t, p, "probe/.write-test", "")
	require.NoError(t, p.DeleteObject(ctx, "probe/.write-test"))
	_, err := p.Head(ctx, "probe/.write-test")
	assert.True(t, provider.IsNotFound(err))

	assert.NoError(t, p.DeleteObject(ctx, "probe/.write-test"), "missing keys are not an error")
}

func TestCancelledContext(t *testing.T) {
	p := newProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PutObject(ctx, "k", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = p.List(ctx, provider.ListOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
