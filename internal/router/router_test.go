package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/model"
)

var allLevels = model.PriorityLevels{model.PriorityHigh, model.PriorityMedium, model.PriorityLow}

func newTestRouter(mode model.Mode, levels model.PriorityLevels) *Router {
	return New(model.RouterConfig{
		UrgentKeywords: []string{"urgent", "Critical"},
		LowKeywords:    []string{"backlog", "low"},
	}, mode, levels)
}

func artifact(t *testing.T, content any, priority string) *model.Artifact {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &model.Artifact{
		ID:        "a1",
		Timestamp: "2024-05-01T10:00:00Z",
		Content:   raw,
		Metadata:  model.ArtifactMetadata{Source: "crawler", Priority: priority},
	}
}

func TestClassify(t *testing.T) {
	r := newTestRouter(model.ModeHybrid, allLevels)

	tests := []struct {
		name     string
		content  any
		priority string
		want     model.Priority
		mode     model.Mode
		rule     string
	}{
		{"explicit wins over keyword", map[string]any{"note": "urgent"}, "low", model.PriorityLow, model.ModeBatch, "explicit"},
		{"explicit is case-insensitive", "x", "HIGH", model.PriorityHigh, model.ModeRealTime, "explicit"},
		{"invalid explicit ignored", map[string]any{"note": "urgent fix"}, "asap", model.PriorityHigh, model.ModeRealTime, "urgent"},
		{"urgent keyword", map[string]any{"title": "URGENT: restock"}, "", model.PriorityHigh, model.ModeRealTime, "urgent"},
		{"urgent beats low", []any{"backlog", "critical"}, "", model.PriorityHigh, model.ModeRealTime, "urgent"},
		{"low keyword", map[string]any{"queue": "backlog"}, "", model.PriorityLow, model.ModeBatch, "low"},
		{"keyword in object key", map[string]any{"urgent": true}, "", model.PriorityHigh, model.ModeRealTime, "urgent"},
		{"word boundary", map[string]any{"text": "slowly resurgent"}, "", model.PriorityMedium, model.ModeHybrid, "default"},
		{"default medium", map[string]any{"text": "ordinary item"}, "", model.PriorityMedium, model.ModeHybrid, "default"},
		{"numbers ignored", map[string]any{"n": 42}, "", model.PriorityMedium, model.ModeHybrid, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := r.Classify(FileMeta{Path: "/watch/a.json"}, artifact(t, tt.content, tt.priority))
			assert.Equal(t, tt.want, c.Priority)
			assert.Equal(t, tt.mode, c.Mode)
			assert.Equal(t, tt.rule, c.Rule)
			assert.Contains(t, c.Tags, "rule:"+tt.rule)
			assert.Contains(t, c.Tags, "source:crawler")
		})
	}
}

func TestClassify_UrgentScenario(t *testing.T) {
	r := newTestRouter(model.ModeHybrid, allLevels)

	a := r.Classify(FileMeta{Path: "/watch/a.json"}, artifact(t, map[string]any{"body": "this is urgent"}, ""))
	b := r.Classify(FileMeta{Path: "/watch/b.json"}, artifact(t, map[string]any{"body": "nothing special"}, ""))

	assert.Equal(t, model.PriorityHigh, a.Priority)
	assert.Equal(t, model.ModeRealTime, a.Mode)
	assert.Contains(t, a.Tags, "keyword:urgent")
	assert.True(t, a.Priority.Higher(b.Priority))
}

func TestClassify_SourceMatchesButFileNameDoesNot(t *testing.T) {
	r := newTestRouter(model.ModeBatch, allLevels)
	c := r.Classify(FileMeta{Path: "/watch/backlog-2024.json"}, artifact(t, "x", ""))
	assert.Equal(t, model.PriorityMedium, c.Priority)
	assert.Equal(t, "default", c.Rule)

	a := artifact(t, "x", "")
	a.Metadata.Source = "critical-feed"
	a.Metadata.Geo = "JP"
	c = r.Classify(FileMeta{Path: "/watch/x.json"}, a)
	assert.Equal(t, model.PriorityHigh, c.Priority)
	assert.Contains(t, c.Tags, "geo:JP")
}

func TestClassify_MediumModeFollowsConfig(t *testing.T) {
	for _, mode := range []model.Mode{model.ModeRealTime, model.ModeBatch, model.ModeHybrid} {
		c := newTestRouter(mode, allLevels).Classify(FileMeta{}, artifact(t, "plain", ""))
		assert.Equal(t, mode, c.Mode)
	}
}

func TestClassify_DisabledLevelIsClamped(t *testing.T) {
	r := newTestRouter(model.ModeHybrid, model.PriorityLevels{model.PriorityHigh, model.PriorityLow})
	c := r.Classify(FileMeta{}, artifact(t, "plain", ""))
	assert.Equal(t, model.PriorityLow, c.Priority)
	assert.Equal(t, model.ModeBatch, c.Mode)
}

func TestClassify_Deterministic(t *testing.T) {
	r := newTestRouter(model.ModeHybrid, allLevels)
	content := map[string]any{"a": "backlog", "b": map[string]any{"c": "urgent", "d": []any{"low", "critical"}}}
	first := r.Classify(FileMeta{Path: "/w/f.json"}, artifact(t, content, ""))
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Classify(FileMeta{Path: "/w/f.json"}, artifact(t, content, "")))
	}
}

func TestRules_Ordered(t *testing.T) {
	rules := newTestRouter(model.ModeHybrid, allLevels).Rules()
	require.Len(t, rules, 4)
	assert.Equal(t, []string{"explicit", "urgent", "low", "default"},
		[]string{rules[0].Name, rules[1].Name, rules[2].Name, rules[3].Name})
	assert.Equal(t, []string{"urgent", "critical"}, rules[1].Keywords)

	rules[1].Keywords[0] = "mutated"
	assert.Equal(t, "urgent", newTestRouter(model.ModeHybrid, allLevels).Rules()[1].Keywords[0])
}

func TestClassify_EscapedStringsMatchOnDecodedText(t *testing.T) {
	r := newTestRouter(model.ModeBatch, allLevels)
	c := r.Classify(FileMeta{}, artifact(t, map[string]any{"body": "line one\nURGENT <now>"}, ""))
	assert.Equal(t, model.PriorityHigh, c.Priority)
	assert.Contains(t, c.Tags, "keyword:urgent")
}
