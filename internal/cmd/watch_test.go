package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/internal/server"
	"github.com/3leaps/jobtail/pkg/jobregistry"
	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/match"
	"github.com/3leaps/jobtail/pkg/output"
	"github.com/3leaps/jobtail/pkg/transport"
)

// syncBuffer is a bytes.Buffer safe for the watcher and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type watchFixture struct {
	backend *server.Backend
	api     *jobstream.API
	session *transport.Session
}

func newWatchFixture(t *testing.T, opts ...server.Option) *watchFixture {
	t.Helper()

	srv := server.New("127.0.0.1", 0, nil, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	session := transport.NewSession("", transport.WithMaxUnauthorized(2))
	requester, err := transport.NewHTTPRequester(transport.HTTPConfig{BaseURL: ts.URL, Timeout: 5 * time.Second}, session)
	require.NoError(t, err)

	return &watchFixture{
		backend: srv.Backend(),
		api:     jobstream.NewAPI(transport.NewClient(requester, session)),
		session: session,
	}
}

func fastStreamConfig(session *transport.Session) jobstream.Config {
	cfg := jobstream.DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.Gate = session
	return cfg
}

func runWatcher(t *testing.T, w *watcher, ctx context.Context) (output.SummaryRecord, error) {
	t.Helper()

	type result struct {
		sum output.SummaryRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := w.Run(ctx)
		done <- result{sum, err}
	}()

	select {
	case r := <-done:
		return r.sum, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not finish")
		return output.SummaryRecord{}, nil
	}
}

func TestWatcher_TextOutputUntilCompleted(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "j1", false)
	require.NoError(t, f.backend.AppendOutput("j1", "stdout", "hello", "world"))
	require.NoError(t, f.backend.AppendOutput("j1", "stderr", "warning: low disk"))
	require.NoError(t, f.backend.AppendEvent("j1", jobstream.EventStop))

	var out, errOut syncBuffer
	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "j1"}},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &out, &errOut)
	require.NoError(t, err)

	sum, err := runWatcher(t, w, context.Background())
	require.NoError(t, err)

	assert.Equal(t, "[w1/j1] hello\n[w1/j1] world\n", out.String())
	assert.Contains(t, errOut.String(), "[w1/j1] warning: low disk")
	assert.Contains(t, errOut.String(), "[w1/j1] event: stop")
	assert.Contains(t, errOut.String(), "[w1/j1] status: completed")

	assert.Equal(t, 1, sum.Jobs)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 3, sum.OutputLines)
}

func TestWatcher_JSONLRecords(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "j1", false)
	require.NoError(t, f.backend.AppendOutput("j1", "stdout", "line"))
	require.NoError(t, f.backend.SetFiles("j1",
		jobstream.WireFile{Name: "out/a.csv", SizeBytes: 1},
		jobstream.WireFile{Name: "out/b.log", SizeBytes: 2}))
	require.NoError(t, f.backend.AppendEvent("j1", jobstream.EventError, jobstream.EventClosed))

	var out, errOut syncBuffer
	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "j1"}},
		JSON:       true,
		Files:      csvSelector(t),
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &out, &errOut)
	require.NoError(t, err)

	sum, err := runWatcher(t, w, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errored)

	counts := map[string]int{}
	var files output.FilesRecord
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		counts[rec.Type]++
		if rec.Type == output.TypeFiles {
			require.NoError(t, json.Unmarshal(rec.Data, &files))
		}
		if rec.Type != output.TypeSummary {
			assert.Equal(t, "w1", rec.WorkloadID)
			assert.Equal(t, "j1", rec.JobID)
		}
	}

	assert.Equal(t, 1, counts[output.TypeOutput])
	assert.Equal(t, 3, counts[output.TypeEvent], "launched, error, closed")
	assert.Equal(t, 1, counts[output.TypeError])
	assert.Equal(t, 1, counts[output.TypeFiles])
	assert.Equal(t, 1, counts[output.TypeSummary])
	assert.GreaterOrEqual(t, counts[output.TypeStatus], 1)

	require.Len(t, files.Files, 1)
	assert.Equal(t, "out/a.csv", files.Files[0].Name)
	assert.Empty(t, errOut.String())
}

func TestWatcher_WaitsForEveryJob(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "a", false)
	f.backend.LaunchWithID("w1", "b", false)
	require.NoError(t, f.backend.AppendEvent("a", jobstream.EventStop))

	var out, errOut syncBuffer
	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "a"}, {WorkloadID: "w1", JobID: "b"}},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &out, &errOut)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = f.backend.AppendOutput("b", "stdout", "late line")
		_ = f.backend.AppendEvent("b", jobstream.EventStop)
	}()

	sum, err := runWatcher(t, w, context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Completed)
	assert.Contains(t, out.String(), "[w1/b] late line")
}

func TestWatcher_DuplicateJobRejected(t *testing.T) {
	f := newWatchFixture(t)

	id := jobstream.Identity{WorkloadID: "w1", JobID: "j1"}
	_, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{id, id},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &syncBuffer{}, &syncBuffer{})
	assert.Error(t, err)
}

func TestWatcher_CancelReturnsContextError(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "j1", false)

	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "j1"}},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &syncBuffer{}, &syncBuffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = runWatcher(t, w, ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatcher_SessionInvalidation(t *testing.T) {
	f := newWatchFixture(t, server.WithToken("secret"))
	f.backend.LaunchWithID("w1", "j1", false)

	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "j1"}},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &syncBuffer{}, &syncBuffer{})
	require.NoError(t, err)

	_, err = runWatcher(t, w, context.Background())
	assert.ErrorIs(t, err, transport.ErrSessionInvalid)
}

func TestWatcher_InteractiveSession(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "s1", true)
	require.NoError(t, f.backend.AppendOutput("s1", "stdout", "Jupyter Server 2.14.0 is running at:"))

	var out, errOut syncBuffer
	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "s1", Interactive: true}},
		Stream:     fastStreamConfig(f.session),
	}, f.api, f.session, &out, &errOut)
	require.NoError(t, err)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if j, _ := f.backend.Job("s1"); j.Connected {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)
		_ = f.backend.AppendEvent("s1", jobstream.EventClosed)
	}()

	_, err = runWatcher(t, w, context.Background())
	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "(session ready)")
	assert.Contains(t, errOut.String(), "port=8888")
}

func TestWatcher_RecordsRegistry(t *testing.T) {
	f := newWatchFixture(t)
	f.backend.LaunchWithID("w1", "j1", false)
	require.NoError(t, f.backend.AppendOutput("j1", "stdout", "one", "two"))
	require.NoError(t, f.backend.AppendEvent("j1", jobstream.EventStop))

	store := jobregistry.NewStore(t.TempDir())
	cfg := fastStreamConfig(f.session)
	cfg.DrainIdlePolls = 1

	w, err := newWatcher(watchOptions{
		Identities: []jobstream.Identity{{WorkloadID: "w1", JobID: "j1"}},
		Stream:     cfg,
		Store:      store,
		Server:     "http://test",
	}, f.api, f.session, &syncBuffer{}, &syncBuffer{})
	require.NoError(t, err)

	_, err = runWatcher(t, w, context.Background())
	require.NoError(t, err)

	rec, err := store.Get("w1", "j1")
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateCompleted, rec.State)
	assert.Equal(t, 2, rec.OutputLines)
	assert.Equal(t, 2, rec.EventCount)
	assert.Equal(t, "http://test", rec.Server)
	assert.NotNil(t, rec.EndedAt)

	var buf bytes.Buffer
	require.NoError(t, printLogTail(&buf, rec.OutputPath, 0))
	assert.Equal(t, "one\ntwo\n", buf.String())
}

func csvSelector(t *testing.T) *match.Selector {
	t.Helper()
	sel, err := buildFileSelector(fileSelection{Includes: []string{"**/*.csv"}})
	require.NoError(t, err)
	require.NotNil(t, sel)
	return sel
}

func TestBuildFileSelector(t *testing.T) {
	files := []jobstream.FileEntry{
		{Name: "results/a.csv", SizeBytes: 2048},
		{Name: "results/deep/b.csv", SizeBytes: 10},
		{Name: "logs/run.log", SizeBytes: 4096},
		{Name: ".cache/c.csv", SizeBytes: 4096},
	}

	sel, err := buildFileSelector(fileSelection{})
	require.NoError(t, err)
	assert.Nil(t, sel, "no flags disables file reports")

	got := csvSelector(t).Select(files)
	require.Len(t, got, 2)
	assert.Equal(t, "results/a.csv", got[0].Name)

	sel, err = buildFileSelector(fileSelection{MinSize: "1KiB"})
	require.NoError(t, err)
	got = sel.Select(files)
	require.Len(t, got, 2)
	assert.Equal(t, "logs/run.log", got[1].Name)

	sel, err = buildFileSelector(fileSelection{Excludes: []string{"logs/**"}, Hidden: true})
	require.NoError(t, err)
	assert.Len(t, sel.Select(files), 3)

	_, err = buildFileSelector(fileSelection{Includes: []string{"[oops"}})
	assert.ErrorIs(t, err, match.ErrInvalidPattern)
	_, err = buildFileSelector(fileSelection{MinSize: "lots"})
	assert.ErrorIs(t, err, match.ErrInvalidSize)
}

func TestManifestEqual(t *testing.T) {
	files := []jobstream.FileEntry{{Name: "a.csv"}, {Name: "b.csv"}}
	assert.True(t, manifestEqual(nil, []jobstream.FileEntry{}))
	assert.False(t, manifestEqual(files[:1], files[1:2]))
}
