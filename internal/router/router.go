// Package router classifies artifacts into a priority and processing mode.
// Classification is a pure function of its inputs.
package router

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/msageha/artifactd/internal/model"
)

type RuleKind int

const (
	KindExplicit RuleKind = iota
	KindKeyword
	KindDefault
)

// Rule is immutable once built; rules are evaluated in order and the first
// match wins.
type Rule struct {
	Name     string
	Kind     RuleKind
	Keywords []string
	Priority model.Priority

	patterns []*regexp.Regexp
}

// FileMeta describes the file an artifact was read from.
type FileMeta struct {
	Path    string
	Size    int64
	ModTime time.Time
}

type Classification struct {
	Priority model.Priority
	Mode     model.Mode
	Tags     []string
	Rule     string
}

type Router struct {
	rules       []Rule
	defaultMode model.Mode
	levels      model.PriorityLevels
}

// New builds the rule list: explicit priority, urgent keywords, low
// keywords, default. mediumMode is the mode given to medium tasks.
func New(cfg model.RouterConfig, mediumMode model.Mode, levels model.PriorityLevels) *Router {
	return &Router{
		rules: []Rule{
			{Name: "explicit", Kind: KindExplicit},
			newKeywordRule("urgent", cfg.UrgentKeywords, model.PriorityHigh),
			newKeywordRule("low", cfg.LowKeywords, model.PriorityLow),
			{Name: "default", Kind: KindDefault, Priority: model.PriorityMedium},
		},
		defaultMode: mediumMode,
		levels:      append(model.PriorityLevels(nil), levels...),
	}
}

func newKeywordRule(name string, keywords []string, p model.Priority) Rule {
	r := Rule{Name: name, Kind: KindKeyword, Priority: p}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		r.Keywords = append(r.Keywords, kw)
		r.patterns = append(r.patterns, regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])`+regexp.QuoteMeta(kw)+`(?:$|[^\p{L}\p{N}_])`))
	}
	return r
}

// Rules returns a copy of the ordered rule list.
func (r *Router) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		rule.Keywords = append([]string(nil), rule.Keywords...)
		rule.patterns = nil
		out[i] = rule
	}
	return out
}

func (r *Router) Classify(_ FileMeta, a *model.Artifact) Classification {
	text := searchText(a)

	var c Classification
	for _, rule := range r.rules {
		switch rule.Kind {
		case KindExplicit:
			if p, ok := model.ParsePriority(strings.ToLower(a.Metadata.Priority)); ok {
				c.Priority, c.Rule = p, rule.Name
			}
		case KindKeyword:
			for i, re := range rule.patterns {
				if re.MatchString(text) {
					c.Priority, c.Rule = rule.Priority, rule.Name
					c.Tags = append(c.Tags, "keyword:"+rule.Keywords[i])
					break
				}
			}
		case KindDefault:
			c.Priority, c.Rule = rule.Priority, rule.Name
		}
		if c.Rule != "" {
			break
		}
	}

	c.Priority = r.levels.Clamp(c.Priority)
	c.Mode = r.modeFor(c.Priority)
	c.Tags = append([]string{"rule:" + c.Rule}, c.Tags...)
	if a.Metadata.Source != "" {
		c.Tags = append(c.Tags, "source:"+a.Metadata.Source)
	}
	if a.Metadata.Geo != "" {
		c.Tags = append(c.Tags, "geo:"+a.Metadata.Geo)
	}
	return c
}

func (r *Router) modeFor(p model.Priority) model.Mode {
	switch p {
	case model.PriorityHigh:
		return model.ModeRealTime
	case model.PriorityLow:
		return model.ModeBatch
	default:
		return r.defaultMode
	}
}

// searchText is the lowercased source plus every string and object key of
// content's canonical JSON, sorted so the result does not depend on map order.
// The file name is not searched.
func searchText(a *model.Artifact) string {
	var parts []string
	var v any
	if err := json.Unmarshal(a.Content, &v); err == nil {
		collectStrings(v, &parts)
	}
	sort.Strings(parts)
	parts = append([]string{a.Metadata.Source}, parts...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		for k, e := range t {
			*out = append(*out, k)
			collectStrings(e, out)
		}
	}
}
