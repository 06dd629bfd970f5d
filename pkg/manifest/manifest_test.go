package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/match"
)

func validManifestYAML() string {
	return `jobs:
  - workload: analytics
    job: job-42
  - workload: analytics
    job: nb-7
    interactive: true
`
}

func validManifestJSON() string {
	return `{
  "version": "1.0",
  "jobs": [
    {"workload": "analytics", "job": "job-42"}
  ]
}`
}

func fullManifestYAML() string {
	return `$schema: https://schemas.3leaps.dev/jobtail/v1.0.0/watch-manifest.schema.json
version: "1.0"
jobs:
  - workload: training
    job: run-1
files:
  includes:
    - "results/**/*.csv"
  excludes:
    - "**/*.tmp.csv"
  include_hidden: true
  filters:
    size:
      min: 1KiB
      max: 1GB
    modified:
      after: "2026-01-01"
    name_regex: "metrics"
`
}

func writeManifest(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantJobs int
	}{
		{name: "yaml", file: "jobs.yaml", content: validManifestYAML(), wantJobs: 2},
		{name: "yml", file: "jobs.yml", content: validManifestYAML(), wantJobs: 2},
		{name: "json", file: "jobs.json", content: validManifestJSON(), wantJobs: 1},
		{name: "json without extension", file: "jobs", content: validManifestJSON(), wantJobs: 1},
		{name: "full", file: "full.yaml", content: fullManifestYAML(), wantJobs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Load(writeManifest(t, tt.file, tt.content))
			require.NoError(t, err)
			assert.Len(t, m.Jobs, tt.wantJobs)
			assert.Equal(t, CurrentVersion, m.Version)
		})
	}
}

func TestLoad_Identities(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestYAML()), "jobs.yaml")
	require.NoError(t, err)

	assert.Equal(t, []jobstream.Identity{
		{WorkloadID: "analytics", JobID: "job-42"},
		{WorkloadID: "analytics", JobID: "nb-7", Interactive: true},
	}, m.Identities())

	sel, err := m.Selector()
	require.NoError(t, err)
	assert.Nil(t, sel, "no files section disables file reports")
}

func TestLoad_FullFilesSection(t *testing.T) {
	m, err := LoadFromBytes([]byte(fullManifestYAML()), "full.yaml")
	require.NoError(t, err)

	require.NotNil(t, m.Files)
	assert.Equal(t, []string{"results/**/*.csv"}, m.Files.Includes)
	assert.True(t, m.Files.IncludeHidden)
	require.NotNil(t, m.Files.Filters)
	assert.Equal(t, "1KiB", m.Files.Filters.Size.Min)
	assert.Equal(t, "2026-01-01", m.Files.Filters.Modified.After)

	sel, err := m.Selector()
	require.NoError(t, err)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got := sel.Select([]jobstream.FileEntry{
		{Name: "results/a/metrics.csv", SizeBytes: 4 * match.KiB, ModifiedAt: feb},
		{Name: "results/a/metrics.tmp.csv", SizeBytes: 4 * match.KiB, ModifiedAt: feb},
		{Name: "results/a/loss.csv", SizeBytes: 4 * match.KiB, ModifiedAt: feb},
		{Name: "results/b/metrics.csv", SizeBytes: 4 * match.KiB},
		{Name: "results/c/metrics.csv", SizeBytes: 10, ModifiedAt: feb},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "results/a/metrics.csv", got[0].Name)
}

func TestLoad_FilesDefaultsToEverything(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestYAML()+"files:\n  excludes: [\"**/*.log\"]\n"), "jobs.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"**"}, m.Files.Includes)

	sel, err := m.Selector()
	require.NoError(t, err)
	got := sel.Select([]jobstream.FileEntry{{Name: "a.csv"}, {Name: "b.log"}})
	require.Len(t, got, 1)
	assert.Equal(t, "a.csv", got[0].Name)
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing jobs", content: "version: \"1.0\"\n"},
		{name: "empty jobs", content: "jobs: []\n"},
		{name: "missing job id", content: "jobs:\n  - workload: w\n"},
		{name: "empty workload", content: "jobs:\n  - workload: \"\"\n    job: j\n"},
		{name: "slash in job id", content: "jobs:\n  - workload: w\n    job: a/b\n"},
		{name: "unknown top-level field", content: validManifestYAML() + "poll: fast\n"},
		{name: "unknown job field", content: "jobs:\n  - workload: w\n    job: j\n    color: red\n"},
		{name: "wrong version", content: "version: \"2.0\"\n" + validManifestYAML()},
		{name: "interactive not bool", content: "jobs:\n  - workload: w\n    job: j\n    interactive: maybe\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.content), "jobs.yaml")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.NotEmpty(t, verrs)
		})
	}
}

func TestLoad_SemanticErrors(t *testing.T) {
	dup := "jobs:\n  - workload: w\n    job: j\n  - workload: w\n    job: j\n    interactive: true\n"
	_, err := LoadFromBytes([]byte(dup), "jobs.yaml")
	assert.ErrorIs(t, err, ErrDuplicateJob)

	badGlob := validManifestYAML() + "files:\n  includes: [\"[oops\"]\n"
	_, err = LoadFromBytes([]byte(badGlob), "jobs.yaml")
	assert.ErrorIs(t, err, match.ErrInvalidPattern)

	badSize := validManifestYAML() + "files:\n  filters:\n    size:\n      min: lots\n"
	_, err = LoadFromBytes([]byte(badSize), "jobs.yaml")
	assert.ErrorIs(t, err, match.ErrInvalidSize)
}

func TestLoad_ParseErrors(t *testing.T) {
	_, err := LoadFromBytes([]byte("  \n"), "jobs.yaml")
	assert.EqualError(t, err, "manifest file is empty")

	_, err = LoadFromBytes([]byte("jobs: [\n"), "jobs.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")

	_, err = LoadFromBytes([]byte("{jobs"), "jobs.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Contains(t, err.Error(), "manifest file not found")
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestJSON()), "stdin.json")
	require.NoError(t, err)
	assert.Equal(t, "job-42", m.Jobs[0].Job)
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "manifest validation failed", ValidationErrors{}.Error())

	one := ValidationErrors{{Path: "/jobs/0", Message: "missing job"}}
	assert.Equal(t, "/jobs/0: missing job", one.Error())

	two := ValidationErrors{{Message: "bad"}, {Path: "/version", Message: "not allowed"}}
	assert.Equal(t, "manifest validation failed with 2 errors:\n  - bad\n  - /version: not allowed", two.Error())
	assert.ErrorIs(t, two, ErrValidationFailed)
}
