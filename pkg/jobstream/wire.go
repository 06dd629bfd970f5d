package jobstream

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Endpoint paths of the remote job service.
const (
	PathPullJobUpdate     = "/pull-job-update"
	PathConnectSession    = "/connect-session"
	PathDisconnectSession = "/disconnect-session"
	PathPushInput         = "/push-input"
)

// PullRequest asks for everything after the given cursors.
type PullRequest struct {
	WorkloadID      string `json:"workloadId"`
	JobID           string `json:"jobId"`
	LastEventIndex  int    `json:"lastEventIndex"`
	LastOutputIndex int    `json:"lastOutputIndex"`
}

// PullResponse carries new items since the request cursors.
//
// Nil slices mean "nothing new". Files, when non-nil, is a full snapshot.
type PullResponse struct {
	Output       []string   `json:"output"`
	OutputStyle  []string   `json:"outputStyle"`
	Events       []string   `json:"events"`
	Files        []WireFile `json:"files"`
	SessionToken string     `json:"sessionToken,omitempty"`
}

// WireFile is a file manifest entry as sent by the server.
type WireFile struct {
	Name       string    `json:"name"`
	ModifiedAt Timestamp `json:"modifiedAt"`
	SizeBytes  int64     `json:"sizeBytes"`
}

// ConnectRequest asks the server to attach an interactive session.
type ConnectRequest struct {
	JobID string `json:"jobId"`
}

// ConnectResponse carries the port of an attached session.
type ConnectResponse struct {
	Port string `json:"port,omitempty"`
}

// DisconnectRequest asks the server to detach an interactive session.
type DisconnectRequest struct {
	JobID string `json:"jobId"`
}

// PushInputRequest delivers one line of interactive input.
type PushInputRequest struct {
	WorkloadID string `json:"workloadId"`
	JobID      string `json:"jobId"`
	Line       string `json:"line"`
}

// Timestamp decodes either an RFC 3339 string or a number of Unix seconds
// (fractions allowed). null and "" decode to the zero time. Any other value
// also decodes to the zero time and is kept in Invalid, so one bad date
// cannot fail a whole poll response.
type Timestamp struct {
	time.Time

	invalid string
}

// Invalid returns the raw JSON of a value that could not be parsed, or "".
func (t Timestamp) Invalid() string {
	return t.invalid
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = Timestamp{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	parsed, ok := parseTimestamp(b)
	if !ok {
		t.invalid = string(b)
		return nil
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(b []byte) (time.Time, bool) {
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return time.Time{}, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, true
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	}

	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsInf(secs, 0) || math.IsNaN(secs) {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

// MarshalJSON renders RFC 3339 with nanoseconds, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// manifestFromWire converts a wire snapshot, skipping entries without a name.
// Entries whose modification time could not be parsed are kept with a zero
// ModifiedAt and their names returned in badTimes.
func manifestFromWire(files []WireFile) (entries []FileEntry, badTimes []string) {
	entries = make([]FileEntry, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		if f.ModifiedAt.Invalid() != "" {
			badTimes = append(badTimes, f.Name)
		}
		entries = append(entries, FileEntry{
			Name:       f.Name,
			ModifiedAt: f.ModifiedAt.Time,
			SizeBytes:  f.SizeBytes,
		})
	}
	return entries, badTimes
}
