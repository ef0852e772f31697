package manifest

import (
	"regexp"
	"strings"
)

// idPattern is the dotted-namespace module ID format, e.g. "agents.claude-code".
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\.[a-z0-9][a-z0-9_-]*)*$`)

// ValidID reports whether id matches the module ID pattern.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ProcedureName derives the procedure name of a module ID: "install_" followed by
// the ID with every character outside [a-zA-Z0-9] mapped to "_".
//
// The mapping is lossy ("a.b" and "a-b" collide), which is why the validator
// rejects manifests whose IDs derive the same name.
func ProcedureName(id string) string {
	var sb strings.Builder
	sb.Grow(len("install_") + len(id))
	sb.WriteString("install_")
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
