package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArtifact(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"minimal", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","content":{"x":1},"metadata":{"source":"crawler"}}`, false},
		{"fractional seconds and offset", `{"id":"a1","timestamp":"2024-05-01T10:00:00.123+09:00","content":"text","metadata":{"source":"s"}}`, false},
		{"unknown priority is kept", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","content":[],"metadata":{"source":"s","priority":"urgent"}}`, false},
		{"not json", `hello`, true},
		{"array", `[1,2]`, true},
		{"truncated", `{"id":"a1","timestamp":`, true},
		{"missing id", `{"timestamp":"2024-05-01T10:00:00Z","content":1,"metadata":{"source":"s"}}`, true},
		{"bad timestamp", `{"id":"a1","timestamp":"yesterday","content":1,"metadata":{"source":"s"}}`, true},
		{"null content", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","content":null,"metadata":{"source":"s"}}`, true},
		{"missing content", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","metadata":{"source":"s"}}`, true},
		{"missing source", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","content":1,"metadata":{}}`, true},
		{"metadata not object", `{"id":"a1","timestamp":"2024-05-01T10:00:00Z","content":1,"metadata":"s"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseArtifact([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a1", a.ID)
			assert.False(t, a.Time().IsZero())
		})
	}
}

func TestParseArtifact_Metadata(t *testing.T) {
	a, err := ParseArtifact([]byte(`{"id":"x","timestamp":"2024-05-01T10:00:00Z","content":{"k":"v"},"metadata":{"source":"feed","priority":"low","geo":"JP"}}`))
	require.NoError(t, err)
	assert.Equal(t, "feed", a.Metadata.Source)
	assert.Equal(t, "low", a.Metadata.Priority)
	assert.Equal(t, "JP", a.Metadata.Geo)
	assert.JSONEq(t, `{"k":"v"}`, string(a.Content))
}

func TestQueueConfig_Levels(t *testing.T) {
	c := QueueConfig{PriorityLevels: []string{"low", "high"}}
	assert.Equal(t, PriorityLevels{PriorityHigh, PriorityLow}, c.Levels())
}
