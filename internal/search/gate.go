// Package search decides when a user message should be augmented with web
// results and fetches them under per-user and per-guild limits.
package search

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultMinLength is the shortest message considered for augmentation.
const DefaultMinLength = 12

// Triggers holds the phrase lists that steer augmentation.
type Triggers struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// DefaultTriggers returns the built-in phrase lists.
func DefaultTriggers() Triggers {
	return Triggers{
		Positive: []string{
			"search for", "look up", "find information",
			"current news", "current weather", "latest",
			"what's happening", "what is happening",
			"who's currently", "who is currently",
			"weather in", "temperature in", "today's",
			"who is the current", "who's the current",
			"recent", "breaking news",
			"how much does", "how much is", "price of", "cost of",
			"how expensive", "how cheap",
			"where is", "where can i find", "where to",
			"when will", "when does", "schedule for",
			"stock price", "exchange rate", "crypto price",
			"currently happening",
			"update on", "updates about", "changes to", "new version",
			"statistics", "data on", "numbers for",
		},
		Negative: []string{
			"this document", "this file", "this pdf",
			"attached", "the content", "summarize this", "a document",
			"in the image", "in the picture", "in this attachment",
			"in the pdf", "in this text", "in the code", "in this file",
			"you just", "you said", "you mentioned", "earlier you",
			"above message", "previous message", "your last",
			"analyze this", "explain this", "review this",
			"what does this", "tell me about this",
		},
	}
}

// LoadTriggers reads phrase lists from a YAML file. A list left out of the
// file keeps its built-in default.
func LoadTriggers(path string) (Triggers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Triggers{}, fmt.Errorf("search: read triggers: %w", err)
	}
	var file Triggers
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Triggers{}, fmt.Errorf("search: parse triggers %s: %w", path, err)
	}
	out := DefaultTriggers()
	if file.Positive != nil {
		out.Positive = file.Positive
	}
	if file.Negative != nil {
		out.Negative = file.Negative
	}
	return out, nil
}

// Gate is the augmentation decision.
type Gate struct {
	minLength int
	positive  []string
	negative  []string
}

func NewGate(t Triggers, minLength int) *Gate {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Gate{
		minLength: minLength,
		positive:  lowerAll(t.Positive),
		negative:  lowerAll(t.Negative),
	}
}

// ShouldAugment is true when text is long enough, contains a positive
// phrase and contains no negative phrase.
func (g *Gate) ShouldAugment(text string) bool {
	if utf8.RuneCountInString(text) < g.minLength {
		return false
	}
	lower := strings.ToLower(text)
	return containsAny(lower, g.positive) && !containsAny(lower, g.negative)
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
