package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/jobtail/internal/assets/schemas"
)

// SchemaID names the embedded schema; manifests may declare it as $schema.
const SchemaID = "jobtail/v1.0.0/watch-manifest"

var (
	ErrSchemaNotFound   = errors.New("manifest schema not found")
	ErrValidationFailed = errors.New("manifest validation failed")
)

// manifestValidator compiles the embedded schema on first use.
var manifestValidator = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.WatchManifestSchema) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, SchemaID)
	}
	v, err := schema.NewValidator(schemasassets.WatchManifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", SchemaID, err)
	}
	return v, nil
})

// ValidationError is a single schema violation.
type ValidationError struct {
	// Path is a JSON pointer to the offending field, e.g. "/jobs/0/workload".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every violation found in one document.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%s with %d errors:", ErrValidationFailed, len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// ValidateRaw checks a JSON document against the watch manifest schema and
// returns ValidationErrors for error-severity diagnostics.
func ValidateRaw(doc []byte) error {
	v, err := manifestValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(doc)
	if err != nil {
		return fmt.Errorf("validate manifest: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if errs == nil {
		return nil
	}
	return errs
}
