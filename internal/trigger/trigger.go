// Package trigger classifies calendar events against the configured trigger
// keyword rules. A hard trigger acts on its own; a soft trigger needs a human
// confirmation before the pipeline proceeds.
package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"dealflow_backend/internal/event"
)

// decisionTableVersion participates in the rule hash so that a change to the
// decision-engine branch table invalidates cached skip decisions even when
// the keyword lists are untouched.
const decisionTableVersion = "v2"

// Type classifies how strongly an event indicates the automation should act.
type Type string

const (
	TypeNone Type = ""
	TypeHard Type = "hard"
	TypeSoft Type = "soft"
)

// Result is the outcome of classifying one event.
type Result struct {
	Type         Type
	MatchedWord  string
	MatchedField string
	Confidence   float64
}

// Triggered reports whether any trigger keyword matched.
func (r Result) Triggered() bool {
	return r.Type == TypeHard || r.Type == TypeSoft
}

// Rules holds the configured hard and soft trigger keyword lists.
type Rules struct {
	Hard []string `yaml:"hard"`
	Soft []string `yaml:"soft"`
}

// LoadRules reads the trigger rules YAML file.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read trigger rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse trigger rules: %w", err)
	}
	rules.Hard = normalizeWords(rules.Hard)
	rules.Soft = normalizeWords(rules.Soft)
	if len(rules.Hard) == 0 && len(rules.Soft) == 0 {
		return Rules{}, fmt.Errorf("trigger rules %s contain no keywords", path)
	}
	return rules, nil
}

// Hash returns the rule-set version used by the dedup caches. It covers the
// keyword lists and the decision-table version, so either kind of change
// invalidates cached skip decisions on the next run.
func (r Rules) Hash() string {
	hard := append([]string(nil), r.Hard...)
	soft := append([]string(nil), r.Soft...)
	sort.Strings(hard)
	sort.Strings(soft)

	payload := strings.Join([]string{
		decisionTableVersion,
		"hard:" + strings.Join(hard, ","),
		"soft:" + strings.Join(soft, ","),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Detector matches events against compiled keyword patterns.
type Detector struct {
	rules Rules
	hard  []wordPattern
	soft  []wordPattern
}

type wordPattern struct {
	word string
	re   *regexp.Regexp
}

// NewDetector compiles the rules into a detector.
func NewDetector(rules Rules) *Detector {
	return &Detector{
		rules: rules,
		hard:  compileWords(rules.Hard),
		soft:  compileWords(rules.Soft),
	}
}

// Rules returns the rules the detector was built from.
func (d *Detector) Rules() Rules { return d.rules }

// Detect classifies an event. Hard triggers win over soft triggers; the
// summary is checked before the description so reported matches are stable.
func (d *Detector) Detect(e event.CalendarEvent) Result {
	// Summary matches are stronger signals than description matches; the
	// engine compares the confidence against its configured threshold.
	fields := []struct {
		name       string
		text       string
		confidence float64
	}{
		{"summary", e.Summary, 1.0},
		{"description", e.Description, 0.75},
	}

	for _, patterns := range []struct {
		kind  Type
		words []wordPattern
	}{
		{TypeHard, d.hard},
		{TypeSoft, d.soft},
	} {
		for _, field := range fields {
			for _, p := range patterns.words {
				if p.re.MatchString(field.text) {
					return Result{
						Type:         patterns.kind,
						MatchedWord:  p.word,
						MatchedField: field.name,
						Confidence:   field.confidence,
					}
				}
			}
		}
	}

	return Result{}
}

func normalizeWords(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func compileWords(words []string) []wordPattern {
	patterns := make([]wordPattern, 0, len(words))
	for _, w := range words {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
		patterns = append(patterns, wordPattern{word: w, re: re})
	}
	return patterns
}
