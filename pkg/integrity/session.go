package integrity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// SessionSchemaVersion is the supported session export schema.
const SessionSchemaVersion = 1

// SessionRecord is an exported agent session.
type SessionRecord struct {
	SchemaVersion int                    `json:"schema_version" validate:"required"`
	SessionID     string                 `json:"session_id" validate:"required"`
	CreatedAt     time.Time              `json:"created_at"`
	Turns         []Turn                 `json:"turns" validate:"dive"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Turn is one message in a session. Content is a string or structured JSON.
type Turn struct {
	Role    string      `json:"role" validate:"required,oneof=system user assistant tool"`
	Content interface{} `json:"content"`
}

var sessionValidate = validator.New(validator.WithRequiredStructEnabled())

// ParseSession decodes and validates a session export.
func ParseSession(data []byte) (*SessionRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s SessionRecord
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if s.SchemaVersion != 0 && s.SchemaVersion != SessionSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d (supported: %d)",
			s.SchemaVersion, SessionSchemaVersion)
	}
	if err := sessionValidate.Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	return &s, nil
}

// SanitizeSession redacts every turn and the metadata in place and reports
// how many turns changed.
func (r *Redactor) SanitizeSession(s *SessionRecord) int {
	changed := 0
	for i := range s.Turns {
		before, _ := json.Marshal(s.Turns[i].Content)
		s.Turns[i].Content = r.RedactValue(s.Turns[i].Content)
		after, _ := json.Marshal(s.Turns[i].Content)
		if !bytes.Equal(before, after) {
			changed++
		}
	}
	if s.Metadata != nil {
		s.Metadata = r.RedactValue(s.Metadata).(map[string]interface{})
	}
	return changed
}

// WriteSession encodes s as indented JSON.
func WriteSession(w io.Writer, s *SessionRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
