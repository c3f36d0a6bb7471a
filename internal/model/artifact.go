package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is wrapped by every ParseArtifact failure.
var ErrMalformed = errors.New("malformed artifact")

var artifactValidate = validator.New(validator.WithRequiredStructEnabled())

// Artifact is the task file dropped into a watch directory.
type Artifact struct {
	ID        string           `json:"id" validate:"required"`
	Timestamp string           `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Content   json.RawMessage  `json:"content" validate:"required"`
	Metadata  ArtifactMetadata `json:"metadata" validate:"required"`
}

type ArtifactMetadata struct {
	Source   string `json:"source" validate:"required"`
	Priority string `json:"priority,omitempty"`
	Geo      string `json:"geo,omitempty"`
}

// Time returns the producer timestamp; zero if it does not parse.
func (a *Artifact) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, a.Timestamp)
	return t
}

// ParseArtifact decodes and validates a task file. An unrecognized
// metadata.priority is kept as-is and left for the router to ignore.
func ParseArtifact(data []byte) (*Artifact, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var a Artifact
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if bytes.Equal(bytes.TrimSpace(a.Content), []byte("null")) {
		return nil, fmt.Errorf("%w: content is null", ErrMalformed)
	}
	if err := artifactValidate.Struct(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &a, nil
}
