package jobstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullResponse_NullArrays(t *testing.T) {
	var resp PullResponse
	err := json.Unmarshal([]byte(`{"output":null,"events":null,"files":null}`), &resp)
	require.NoError(t, err)

	assert.Nil(t, resp.Output)
	assert.Nil(t, resp.Events)
	assert.Nil(t, resp.Files)
}

func TestPullResponse_EmptyFilesIsSnapshot(t *testing.T) {
	var resp PullResponse
	require.NoError(t, json.Unmarshal([]byte(`{"files":[]}`), &resp))

	assert.NotNil(t, resp.Files)
	assert.Empty(t, resp.Files)
}

func TestTimestamp_Unmarshal(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        time.Time
		wantInvalid bool
	}{
		{name: "rfc3339", input: `"2026-01-19T12:00:00Z"`, want: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)},
		{name: "unix seconds", input: `1768824000`, want: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)},
		{name: "fractional seconds", input: `1768824000.5`, want: time.Date(2026, 1, 19, 12, 0, 0, 500000000, time.UTC)},
		{name: "null", input: `null`},
		{name: "empty string", input: `""`},
		{name: "garbage string", input: `"yesterday"`, wantInvalid: true},
		{name: "boolean", input: `true`, wantInvalid: true},
		{name: "object", input: `{"s":1}`, wantInvalid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.input), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %s want %s", ts.Time, tt.want)
			if tt.wantInvalid {
				assert.Equal(t, tt.input, ts.Invalid())
			} else {
				assert.Empty(t, ts.Invalid())
			}
		})
	}
}

func TestPullResponse_BadFileTimeKeepsResponse(t *testing.T) {
	var resp PullResponse
	err := json.Unmarshal([]byte(`{"output":["hello"],"events":["stop"],"files":[{"name":"a.csv","modifiedAt":"not-a-date","sizeBytes":4},{"name":"b.csv","modifiedAt":1768824000}]}`), &resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, resp.Output)
	assert.Equal(t, []string{"stop"}, resp.Events)

	entries, badTimes := manifestFromWire(resp.Files)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].ModifiedAt.IsZero())
	assert.Equal(t, int64(4), entries[0].SizeBytes)
	assert.False(t, entries[1].ModifiedAt.IsZero())
	assert.Equal(t, []string{"a.csv"}, badTimes)
}

func TestTimestamp_Marshal(t *testing.T) {
	b, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	b, err = json.Marshal(Timestamp{Time: time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, `"2026-01-19T12:00:00Z"`, string(b))
}

func TestPullRequest_WireNames(t *testing.T) {
	b, err := json.Marshal(PullRequest{WorkloadID: "w", JobID: "j", LastEventIndex: 2, LastOutputIndex: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"workloadId":"w","jobId":"j","lastEventIndex":2,"lastOutputIndex":5}`, string(b))
}

// recordingCaller implements Caller by decoding a canned body into out.
type recordingCaller struct {
	paths  []string
	bodies []any
	reply  string
	err    error
}

func (c *recordingCaller) Call(_ context.Context, path string, in, out any) error {
	c.paths = append(c.paths, path)
	c.bodies = append(c.bodies, in)
	if c.err != nil {
		return c.err
	}
	if out != nil && c.reply != "" {
		return json.Unmarshal([]byte(c.reply), out)
	}
	return nil
}

func TestAPI_PullJobUpdate(t *testing.T) {
	caller := &recordingCaller{reply: `{"output":["hi"],"outputStyle":["stdout"],"files":[{"name":"a.csv","modifiedAt":"2026-01-19T12:00:00Z","sizeBytes":3}]}`}
	api := NewAPI(caller)

	resp, err := api.PullJobUpdate(context.Background(), PullRequest{WorkloadID: "w", JobID: "j"})
	require.NoError(t, err)
	assert.Equal(t, []string{PathPullJobUpdate}, caller.paths)
	assert.Equal(t, []string{"hi"}, resp.Output)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, int64(3), resp.Files[0].SizeBytes)
}

func TestAPI_ConnectSession(t *testing.T) {
	caller := &recordingCaller{reply: `{"port":" 8888 "}`}
	port, err := NewAPI(caller).ConnectSession(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, "8888", port)
	assert.Equal(t, ConnectRequest{JobID: "j"}, caller.bodies[0])
}

func TestAPI_Errors(t *testing.T) {
	boom := errors.New("boom")
	api := NewAPI(&recordingCaller{err: boom})

	_, err := api.PullJobUpdate(context.Background(), PullRequest{})
	assert.ErrorIs(t, err, boom)
	_, err = api.ConnectSession(context.Background(), "j")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, api.DisconnectSession(context.Background(), "j"), boom)
	assert.ErrorIs(t, api.PushInput(context.Background(), PushInputRequest{}), boom)
}

func TestManifestFromWire_SkipsBlankNames(t *testing.T) {
	got, badTimes := manifestFromWire([]WireFile{{Name: "  "}, {Name: "out/report.txt", SizeBytes: 7}})
	assert.Empty(t, badTimes)
	require.Len(t, got, 1)
	assert.Equal(t, "out/report.txt", got[0].Name)
}
