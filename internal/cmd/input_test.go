package cmd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

// inputRecorder is a jobstream.Client that records pushed input.
type inputRecorder struct {
	lines  []string
	failAt int
}

func (r *inputRecorder) PullJobUpdate(context.Context, jobstream.PullRequest) (*jobstream.PullResponse, error) {
	return &jobstream.PullResponse{}, nil
}

func (r *inputRecorder) ConnectSession(context.Context, string) (string, error) { return "", nil }

func (r *inputRecorder) DisconnectSession(context.Context, string) error { return nil }

func (r *inputRecorder) PushInput(_ context.Context, req jobstream.PushInputRequest) error {
	if r.failAt > 0 && len(r.lines)+1 == r.failAt {
		return errors.New("push failed")
	}
	r.lines = append(r.lines, req.WorkloadID+"/"+req.JobID+":"+req.Line)
	return nil
}

func TestPushLines_Args(t *testing.T) {
	rec := &inputRecorder{}
	id := jobstream.Identity{WorkloadID: "w", JobID: "j"}

	n, err := pushLines(context.Background(), rec, id, []string{"print(1)"}, strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"w/j:print(1)"}, rec.lines)
}

func TestPushLines_EachArgIsOneLine(t *testing.T) {
	rec := &inputRecorder{}
	id := jobstream.Identity{WorkloadID: "w", JobID: "j"}

	lines := inputLines([]string{"w/j", "a = 1", "print(a)"})
	assert.Equal(t, []string{"a = 1", "print(a)"}, lines)

	n, err := pushLines(context.Background(), rec, id, lines, strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"w/j:a = 1", "w/j:print(a)"}, rec.lines)
}

func TestInputLines_RefOnlyReadsStdin(t *testing.T) {
	assert.Nil(t, inputLines([]string{"w/j"}))
}

func TestPushLines_Stdin(t *testing.T) {
	rec := &inputRecorder{}
	id := jobstream.Identity{WorkloadID: "w", JobID: "j"}

	n, err := pushLines(context.Background(), rec, id, nil, strings.NewReader("a = 1\nprint(a)\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"w/j:a = 1", "w/j:print(a)"}, rec.lines)
}

func TestPushLines_StopsAtFirstFailure(t *testing.T) {
	rec := &inputRecorder{failAt: 2}
	id := jobstream.Identity{WorkloadID: "w", JobID: "j"}

	n, err := pushLines(context.Background(), rec, id, nil, strings.NewReader("one\ntwo\nthree\n"))
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}
