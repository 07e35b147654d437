// Package thinkfilter strips model reasoning segments from streamed text.
//
// Two dialects are recognized: <think>...</think> and [think]...[/think],
// both case-insensitive. Open-segment detection compares open and close tag
// counts over the whole text rather than parsing nesting, so unbalanced
// markup reads as "still open".
package thinkfilter

import (
	"regexp"
	"strings"
)

var (
	anglePair   = regexp.MustCompile(`(?is)<think>.*?</think>`)
	bracketPair = regexp.MustCompile(`(?is)\[think\].*?\[/think\]`)
	selfClosing = regexp.MustCompile(`(?i)<think\s*/>|\[think\s*/\]`)
	blankRuns   = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)+`)

	angleOpen    = regexp.MustCompile(`(?i)<think>`)
	angleClose   = regexp.MustCompile(`(?i)</think>`)
	bracketOpen  = regexp.MustCompile(`(?i)\[think\]`)
	bracketClose = regexp.MustCompile(`(?i)\[/think\]`)
)

// Filter removes reasoning markup. The zero value is disabled.
type Filter struct {
	Enabled bool
}

// New returns a Filter with the given enablement.
func New(enabled bool) Filter {
	return Filter{Enabled: enabled}
}

// Filter returns the visible part of raw. It is a pure function of the full
// text and is recomputed on each call.
func (f Filter) Filter(raw string) string {
	if !f.Enabled {
		return raw
	}
	out := anglePair.ReplaceAllString(raw, "")
	out = bracketPair.ReplaceAllString(out, "")
	out = selfClosing.ReplaceAllString(out, "")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// IsOpen reports whether either dialect has more open tags than close tags.
func (f Filter) IsOpen(raw string) bool {
	if !f.Enabled {
		return false
	}
	return count(angleOpen, raw) > count(angleClose, raw) ||
		count(bracketOpen, raw) > count(bracketClose, raw)
}

func count(re *regexp.Regexp, s string) int {
	return len(re.FindAllStringIndex(s, -1))
}
