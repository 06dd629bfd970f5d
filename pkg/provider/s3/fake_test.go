package s3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/pkg/provider"
)

// fakeS3 is a path-style S3 endpoint serving a single bucket from memory.
type fakeS3 struct {
	bucket string

	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	modified     time.Time

	// failStatus and failCode force every request to fail.
	failStatus int
	failCode   string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{
		bucket:       bucket,
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		modified:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

type listEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
}

type listResult struct {
	XMLName               xml.Name    `xml:"ListBucketResult"`
	Name                  string      `xml:"Name"`
	Prefix                string      `xml:"Prefix"`
	KeyCount              int         `xml:"KeyCount"`
	MaxKeys               int         `xml:"MaxKeys"`
	IsTruncated           bool        `xml:"IsTruncated"`
	NextContinuationToken string      `xml:"NextContinuationToken,omitempty"`
	Contents              []listEntry `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failStatus != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(f.failStatus)
		_, _ = fmt.Fprintf(w, "<Error><Code>%s</Code><Message>forced failure</Message></Error>", f.failCode)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<Error><Code>NoSuchBucket</Code><Message>missing</Message></Error>`)
		return
	}

	switch {
	case r.Method == http.MethodPut:
		body, err := readBody(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		f.contentTypes[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag-`+strconv.Itoa(len(body))+`"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", f.contentTypes[key])
		w.Header().Set("ETag", `"etag-`+strconv.Itoa(len(body))+`"`)
		w.Header().Set("Last-Modified", f.modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		f.list(w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	after := q.Get("continuation-token")

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: maxKeys}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.NextContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		res.Contents = append(res.Contents, listEntry{
			Key:          k,
			LastModified: f.modified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         `"etag-` + strconv.Itoa(len(f.objects[k])) + `"`,
			Size:         len(f.objects[k]),
		})
	}
	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

// readBody returns the object payload, decoding aws-chunked framing when the
// SDK sends a trailing checksum.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return io.ReadAll(r.Body)
	}
	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk size %q: %w", sizeHex, err)
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func newFakeProvider(t *testing.T, fake *fakeS3) *Provider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	p, err := New(context.Background(), Config{
		Bucket:          fake.bucket,
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "testing",
		SecretAccessKey: "testing",
		MaxAttempts:     1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_PutHeadDelete(t *testing.T) {
	fake := newFakeS3("job-archive")
	p := newFakeProvider(t, fake)
	ctx := context.Background()

	assert.Equal(t, "job-archive", p.Bucket())

	body := `{"job_id":"j1"}`
	require.NoError(t, p.PutObject(ctx, "jobs/w1/j1/job.json", strings.NewReader(body), int64(len(body))))

	fake.mu.Lock()
	assert.Equal(t, body, string(fake.objects["jobs/w1/j1/job.json"]))
	assert.Equal(t, "application/json", fake.contentTypes["jobs/w1/j1/job.json"])
	fake.mu.Unlock()

	meta, err := p.Head(ctx, "jobs/w1/j1/job.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, "etag-15", meta.ETag)
	assert.Equal(t, "application/json", meta.ContentType)
	assert.True(t, meta.LastModified.Equal(fake.modified))

	require.NoError(t, p.DeleteObject(ctx, "jobs/w1/j1/job.json"))
	_, err = p.Head(ctx, "jobs/w1/j1/job.json")
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err), "got %v", err)
}

func TestProvider_ListPages(t *testing.T) {
	fake := newFakeS3("job-archive")
	p := newFakeProvider(t, fake)
	ctx := context.Background()

	for _, k := range []string{"jobs/w1/a/job.json", "jobs/w1/a/output.log", "jobs/w2/b/job.json", "other/x"} {
		require.NoError(t, p.PutObject(ctx, k, strings.NewReader("x"), 1))
	}

	page, err := p.List(ctx, provider.ListOptions{Prefix: "jobs/", MaxKeys: 2})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "jobs/w1/a/job.json", page.Objects[0].Key)
	assert.Equal(t, int64(1), page.Objects[0].Size)
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "jobs/w1/a/output.log", page.ContinuationToken)

	all, err := provider.ListAll(ctx, p, "jobs/")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestProvider_ErrorsMapToSentinels(t *testing.T) {
	fake := newFakeS3("job-archive")
	p := newFakeProvider(t, fake)
	ctx := context.Background()

	assert.ErrorIs(t, p.PutObject(ctx, "", strings.NewReader(""), 0), provider.ErrInvalidKey)

	fake.mu.Lock()
	fake.failStatus = http.StatusForbidden
	fake.failCode = "AccessDenied"
	fake.mu.Unlock()

	err := p.PutObject(ctx, "jobs/w/j/job.json", strings.NewReader("{}"), 2)
	require.Error(t, err)
	assert.True(t, provider.IsAccessDenied(err), "got %v", err)

	var perr *provider.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "PutObject", perr.Op)
	assert.Equal(t, "job-archive", perr.Bucket)
}
