package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

func TestBackend_PullSlicesFromCursors(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w1", "j1", false)
	require.NoError(t, b.AppendOutput("j1", "stdout", "a", "b", "c"))

	resp, err := b.Pull(jobstream.PullRequest{WorkloadID: "w1", JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, resp.Output)
	assert.Equal(t, []string{"stdout", "stdout", "stdout"}, resp.OutputStyle)
	assert.Equal(t, []string{"launched"}, resp.Events)
	assert.Nil(t, resp.Files)

	resp, err = b.Pull(jobstream.PullRequest{WorkloadID: "w1", JobID: "j1", LastOutputIndex: 2, LastEventIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, resp.Output)
	assert.Nil(t, resp.Events, "nothing new is nil")

	resp, err = b.Pull(jobstream.PullRequest{JobID: "j1", LastOutputIndex: 10, LastEventIndex: 10})
	require.NoError(t, err)
	assert.Nil(t, resp.Output)
}

func TestBackend_UnknownJob(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w1", "j1", false)

	_, err := b.Pull(jobstream.PullRequest{JobID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = b.Pull(jobstream.PullRequest{WorkloadID: "other", JobID: "j1"})
	assert.ErrorIs(t, err, ErrUnknownJob)

	assert.ErrorIs(t, b.AppendOutput("nope", "", "x"), ErrUnknownJob)
}

func TestBackend_TokenSentOnce(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w", "j", true)
	require.NoError(t, b.SetToken("j", "tok-1"))

	resp, err := b.Pull(jobstream.PullRequest{JobID: "j"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.SessionToken)

	resp, err = b.Pull(jobstream.PullRequest{JobID: "j", LastEventIndex: 1})
	require.NoError(t, err)
	assert.Empty(t, resp.SessionToken)
}

func TestBackend_FilesSnapshot(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w", "j", false)
	require.NoError(t, b.SetFiles("j", jobstream.WireFile{Name: "out.csv", SizeBytes: 10}))

	resp, err := b.Pull(jobstream.PullRequest{JobID: "j"})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)

	require.NoError(t, b.SetFiles("j", []jobstream.WireFile{}...))
	resp, err = b.Pull(jobstream.PullRequest{JobID: "j"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Files)
	assert.Empty(t, resp.Files)

	require.NoError(t, b.SetFiles("j"))
	resp, err = b.Pull(jobstream.PullRequest{JobID: "j"})
	require.NoError(t, err)
	assert.Nil(t, resp.Files)
}

func TestBackend_ConnectInteractiveOnly(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w", "batch", false)
	b.LaunchWithID("w", "session", true)

	_, err := b.Connect("batch")
	assert.ErrorIs(t, err, ErrNotInteractive)

	port, err := b.Connect("session")
	require.NoError(t, err)
	assert.Equal(t, "8888", port)

	again, err := b.Connect("session")
	require.NoError(t, err)
	assert.Equal(t, port, again, "port is stable per job")

	j, _ := b.Job("session")
	assert.True(t, j.Connected)
	require.NoError(t, b.Disconnect("session"))
	j, _ = b.Job("session")
	assert.False(t, j.Connected)
}

func TestBackend_PushInputEchoes(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w", "j", true)

	require.NoError(t, b.PushInput(jobstream.PushInputRequest{WorkloadID: "w", JobID: "j", Line: "print(1)"}))

	j, ok := b.Job("j")
	require.True(t, ok)
	assert.Equal(t, []string{"print(1)"}, j.Inputs)
	assert.Equal(t, []string{"print(1)"}, j.Output)
	assert.Equal(t, []string{"stdin"}, j.Styles)
}

func TestBackend_LaunchGeneratesID(t *testing.T) {
	b := NewBackend()
	id1 := b.Launch("w", false)
	id2 := b.Launch("w", false)
	assert.NotEqual(t, id1, id2)

	j, ok := b.Job(id1)
	require.True(t, ok)
	assert.Equal(t, "w", j.WorkloadID)
}

func TestBackend_Script(t *testing.T) {
	b := NewBackend()
	b.LaunchWithID("w", "j", false)

	require.NoError(t, b.Script("j", time.Millisecond, []string{"one", "two"}, nil))

	j, _ := b.Job("j")
	assert.Equal(t, []string{"one", "two"}, j.Output)
	assert.Equal(t, []string{"launched", "stop"}, j.Events)
}
