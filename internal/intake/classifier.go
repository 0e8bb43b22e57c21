package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Rules are the keyword sets the Classifier scans, highest tier first.
type Rules struct {
	Emergency []string `json:"emergency"`
	Urgent    []string `json:"urgent"`
}

// DefaultRules returns the built-in keyword sets.
func DefaultRules() Rules {
	return Rules{
		Emergency: []string{
			"chest pain", "heart attack", "bleeding", "unconscious",
			"can't breathe", "cannot breathe", "shortness of breath", "breathing", "stroke",
		},
		Urgent: []string{
			"fever", "vomiting", "persistent pain", "fracture", "broken", "pain", "dizziness",
		},
	}
}

// LoadRules reads a JSON rules file of the form {"emergency":[...],"urgent":[...]}.
func LoadRules(path string) (Rules, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	var r Rules
	if err := json.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("decode rules %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return Rules{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return r, nil
}

// Validate requires at least one non-blank emergency keyword.
func (r Rules) Validate() error {
	for _, k := range r.Emergency {
		if normalize(k) != "" {
			return nil
		}
	}
	return errors.New("no emergency keywords")
}

// Classifier maps free-text symptoms to a TriageLevel. It is deterministic and
// safe for concurrent use.
type Classifier struct {
	groups []keywordGroup
}

type keywordGroup struct {
	level    TriageLevel
	keywords []string
}

// NewClassifier compiles r. Blank keywords are dropped.
func NewClassifier(r Rules) *Classifier {
	return &Classifier{groups: []keywordGroup{
		{level: LevelEmergency, keywords: compile(r.Emergency)},
		{level: LevelUrgent, keywords: compile(r.Urgent)},
	}}
}

// Classify returns the first tier with a keyword contained in symptoms, or
// Routine when nothing matches.
func (c *Classifier) Classify(symptoms string) TriageLevel {
	s := normalize(symptoms)
	for _, g := range c.groups {
		for _, k := range g.keywords {
			if strings.Contains(s, k) {
				return g.level
			}
		}
	}
	return LevelRoutine
}

func compile(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = normalize(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(apostrophes.Replace(s))), " ")
}
