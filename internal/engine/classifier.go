package engine

import (
	"strings"
	"unicode/utf8"
)

// keywordCategory is one ordered rule of the classifier: if any term is a
// substring of the lowercased narration, the category's level wins.
type keywordCategory struct {
	level ThreatLevel
	terms []string
}

// Categories are evaluated in order; the first category with a hit wins.
var defaultCategories = []keywordCategory{
	{ThreatDanger, []string{"unauthorized", "intruder", "intrusion", "danger", "access attempt", "access-attempt"}},
	{ThreatCaution, []string{"warning", "caution", "unknown"}},
	{ThreatSafe, []string{"safe", "verified", "secure", "authorized"}},
}

// DefaultMinLogLength is the shortest narration (in runes, after trimming)
// that is worth writing to the patrol journal.
const DefaultMinLogLength = 5

// Classification is the outcome of classifying one narration fragment.
type Classification struct {
	Level   ThreatLevel // ThreatUnspecified when nothing matched
	Matched bool
	Keyword string // the term that decided the level
	// Loggable is false for short transcript fragments.
	Loggable bool
}

// Classifier maps narration text to a ThreatLevel by ordered keyword scan.
// It is stateless and safe for concurrent use.
type Classifier struct {
	categories   []keywordCategory
	minLogLength int
}

// NewClassifier returns a Classifier with the default keyword categories.
// A non-positive minLogLength falls back to DefaultMinLogLength.
func NewClassifier(minLogLength int) *Classifier {
	if minLogLength <= 0 {
		minLogLength = DefaultMinLogLength
	}
	return &Classifier{
		categories:   defaultCategories,
		minLogLength: minLogLength,
	}
}

// Classify scans the narration case-insensitively. DANGER terms take
// priority over CAUTION, which take priority over SAFE. When nothing
// matches, Matched is false and the caller keeps its previous level.
func (c *Classifier) Classify(narration string) Classification {
	trimmed := strings.TrimSpace(narration)
	out := Classification{
		Loggable: utf8.RuneCountInString(trimmed) >= c.minLogLength,
	}

	text := strings.ToLower(trimmed)
	for _, cat := range c.categories {
		for _, term := range cat.terms {
			if strings.Contains(text, term) {
				out.Level = cat.level
				out.Matched = true
				out.Keyword = term
				return out
			}
		}
	}
	return out
}

// Apply returns the level that results from classifying narration on top
// of the previous level.
func (c *Classifier) Apply(previous ThreatLevel, narration string) ThreatLevel {
	if res := c.Classify(narration); res.Matched {
		return res.Level
	}
	return previous
}
