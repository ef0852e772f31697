package manifest

import (
	"fmt"
	"strings"
)

// FieldError is a single manifest validation failure.
type FieldError struct {
	// Module is the module ID the failure belongs to, empty for manifest-level errors.
	Module string `json:"module,omitempty"`

	// Field is the offending field path (e.g. "dependencies", "verified_installer.tool").
	Field string `json:"field,omitempty"`

	// Message is the human-readable failure.
	Message string `json:"message"`
}

func (f FieldError) String() string {
	switch {
	case f.Module != "" && f.Field != "":
		return fmt.Sprintf("module %s: %s: %s", f.Module, f.Field, f.Message)
	case f.Module != "":
		return fmt.Sprintf("module %s: %s", f.Module, f.Message)
	case f.Field != "":
		return fmt.Sprintf("%s: %s", f.Field, f.Message)
	default:
		return f.Message
	}
}

// ValidationErrors aggregates every validation failure found in one pass.
type ValidationErrors []FieldError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "manifest validation failed: " + v[0].String()
	}
	lines := make([]string, 0, len(v))
	for _, fe := range v {
		lines = append(lines, "  - "+fe.String())
	}
	return fmt.Sprintf("manifest validation failed with %d errors:\n%s", len(v), strings.Join(lines, "\n"))
}

// Add appends a failure.
func (v *ValidationErrors) Add(module, field, format string, args ...interface{}) {
	*v = append(*v, FieldError{Module: module, Field: field, Message: fmt.Sprintf(format, args...)})
}

// ErrOrNil returns nil when no failures were recorded.
func (v ValidationErrors) ErrOrNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// Contains reports whether any failure message contains substr.
func (v ValidationErrors) Contains(substr string) bool {
	for _, fe := range v {
		if strings.Contains(fe.Message, substr) {
			return true
		}
	}
	return false
}
