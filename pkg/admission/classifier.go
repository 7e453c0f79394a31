package admission

import (
	"context"
	"strings"
)

// Classification is a classifier verdict: a coarse tier plus the concept
// tags the classifier extracted along the way.
type Classification struct {
	Tier     Tier     `json:"tier"`
	Concepts []string `json:"concepts,omitempty"`
}

// Classifier assigns a tier to raw input. Implementations may call out to
// slow collaborators; the router bounds every call with a timeout and falls
// back to LOW, so a classifier never gets to wedge the pipeline.
type Classifier interface {
	Classify(ctx context.Context, input []byte) (Classification, error)
}

// KeywordClassifier is the default local heuristic: marker substrings vote
// the input into a tier, matched markers become concepts.
type KeywordClassifier struct {
	high   []string
	medium []string
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		high: []string{
			"urgent", "critical", "incident", "outage", "emergency",
			"sev1", "immediately", "escalate",
		},
		medium: []string{
			"deploy", "review", "build", "migrate", "release",
			"schedule", "analyze", "report",
		},
	}
}

// NewKeywordClassifierWithMarkers replaces the built-in vocabularies.
// Empty slices keep the defaults.
func NewKeywordClassifierWithMarkers(high, medium []string) *KeywordClassifier {
	c := NewKeywordClassifier()
	if len(high) > 0 {
		c.high = high
	}
	if len(medium) > 0 {
		c.medium = medium
	}
	return c
}

func (c *KeywordClassifier) Classify(_ context.Context, input []byte) (Classification, error) {
	text := strings.ToLower(string(input))

	var concepts []string
	tier := TierLow
	for _, marker := range c.medium {
		if strings.Contains(text, marker) {
			concepts = append(concepts, marker)
			tier = TierMedium
		}
	}
	for _, marker := range c.high {
		if strings.Contains(text, marker) {
			concepts = append(concepts, marker)
			tier = TierHigh
		}
	}
	return Classification{Tier: tier, Concepts: concepts}, nil
}
