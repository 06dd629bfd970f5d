package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateJob is returned when a manifest lists the same job twice.
var ErrDuplicateJob = errors.New("duplicate job in manifest")

// Load reads and validates a manifest from path.
//
// The format follows the extension: .json is JSON, .yaml/.yml is YAML.
// Anything else is parsed as YAML, which also accepts JSON documents.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("manifest file not found: %w", err)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("permission denied reading manifest: %w", err)
		default:
			return nil, fmt.Errorf("failed to read manifest file: %w", err)
		}
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a manifest from r. path is used for
// format detection and error messages only.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest.
//
// The raw document is checked against the schema before decoding so unknown
// fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	asJSON, err := normalizeJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(asJSON); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(asJSON, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults()

	if err := checkSemantics(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkSemantics covers what the schema cannot express.
func checkSemantics(m *Manifest) error {
	seen := make(map[string]int, len(m.Jobs))
	for i, j := range m.Jobs {
		key := j.Workload + "/" + j.Job
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s at /jobs/%d and /jobs/%d", ErrDuplicateJob, key, prev, i)
		}
		seen[key] = i
	}
	if _, err := m.Selector(); err != nil {
		return fmt.Errorf("files: %w", err)
	}
	return nil
}

// normalizeJSON returns the document as JSON for schema validation.
func normalizeJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return out, nil
}
