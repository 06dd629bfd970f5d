// Package preflight checks that an archive destination accepts the operations
// an archive run needs before any job is uploaded.
package preflight

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/jobtail/pkg/provider"
)

// Mode defines how aggressive preflight checks are.
type Mode string

const (
	ModePlanOnly   Mode = "plan-only"
	ModeReadSafe   Mode = "read-safe"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode validates a mode name. Empty selects ModeReadSafe.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case "":
		return ModeReadSafe, nil
	case ModePlanOnly, ModeReadSafe, ModeWriteProbe:
		return m, nil
	default:
		return "", fmt.Errorf("unknown preflight mode %q (want %s, %s or %s)", s, ModePlanOnly, ModeReadSafe, ModeWriteProbe)
	}
}

// Capability names are stable strings used in JSON output.
const (
	CapDestList   = "dest.list"
	CapDestWrite  = "dest.write"
	CapDestDelete = "dest.delete"
)

// ProbeDir is the key segment probe objects are written under.
const ProbeDir = "_jobtail/probe"

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects the checks run against one destination.
type Report struct {
	Mode        Mode          `json:"mode"`
	ProbePrefix string        `json:"probe_prefix,omitempty"`
	Results     []CheckResult `json:"results"`
}

// Passed reports whether every check allowed its operation.
func (r *Report) Passed() bool {
	for _, c := range r.Results {
		if !c.Allowed {
			return false
		}
	}
	return true
}

// Archive runs checks for an archive destination rooted at prefix.
//
// read-safe lists one key under prefix. write-probe additionally writes and
// deletes a zero-byte object under prefix/_jobtail/probe/. The first failing
// check stops the run and its error is returned with the partial report.
func Archive(ctx context.Context, dest provider.Provider, prefix string, mode Mode) (*Report, error) {
	rep := &Report{Mode: mode, Results: []CheckResult{}}
	if mode == ModePlanOnly {
		return rep, nil
	}

	listPrefix := strings.TrimSuffix(prefix, "/")
	if listPrefix != "" {
		listPrefix += "/"
	}
	method := fmt.Sprintf("List(prefix=%q,maxKeys=1)", listPrefix)
	if _, err := dest.List(ctx, provider.ListOptions{Prefix: listPrefix, MaxKeys: 1}); err != nil {
		rep.Results = append(rep.Results, failed(CapDestList, method, err))
		return rep, err
	}
	rep.Results = append(rep.Results, CheckResult{Capability: CapDestList, Allowed: true, Method: method})

	if mode != ModeWriteProbe {
		return rep, nil
	}

	rep.ProbePrefix = path.Join(prefix, ProbeDir) + "/"
	key := rep.ProbePrefix + uuid.NewString()

	method = fmt.Sprintf("PutObject(key=%q,bytes=0)", key)
	if err := dest.PutObject(ctx, key, strings.NewReader(""), 0); err != nil {
		rep.Results = append(rep.Results, failed(CapDestWrite, method, err))
		return rep, err
	}
	rep.Results = append(rep.Results, CheckResult{Capability: CapDestWrite, Allowed: true, Method: method})

	method = fmt.Sprintf("DeleteObject(key=%q)", key)
	if err := dest.DeleteObject(ctx, key); err != nil {
		rep.Results = append(rep.Results, failed(CapDestDelete, method, err))
		return rep, err
	}
	rep.Results = append(rep.Results, CheckResult{Capability: CapDestDelete, Allowed: true, Method: method})
	return rep, nil
}

func failed(capability, method string, err error) CheckResult {
	return CheckResult{
		Capability: capability,
		Allowed:    false,
		Method:     method,
		ErrorCode:  provider.Code(err),
		Detail:     err.Error(),
	}
}
