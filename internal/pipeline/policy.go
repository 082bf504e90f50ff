package pipeline

import (
	"regexp"
	"strings"
)

// UntitledTitle is used when neither the sender nor the classifier offered a
// usable title.
const UntitledTitle = "Untitled Reel"

// MaxTags caps how many tags a resource gets.
const MaxTags = 10

var genericTitle = regexp.MustCompile(`(?i)^(dm video\b.*|instagram reel|shared reel|untitled( reel)?)$`)

// IsGenericTitle reports whether t is empty or one of the placeholders the
// ingestion path assigns when the sender gave no title.
func IsGenericTitle(t string) bool {
	t = strings.TrimSpace(t)
	return t == "" || genericTitle.MatchString(t)
}

// ResolveTitle keeps the sender's title unless it is generic, in which case
// the classifier's title wins.
func ResolveTitle(given, ai string) string {
	if !IsGenericTitle(given) {
		return strings.TrimSpace(given)
	}
	if ai = strings.TrimSpace(ai); ai != "" {
		return ai
	}
	return UntitledTitle
}

// ResolveDescription prefers the caption the sender wrote.
func ResolveDescription(given, ai string) string {
	if given = strings.TrimSpace(given); given != "" {
		return given
	}
	return strings.TrimSpace(ai)
}

// NormalizeTags lowercases and trims tags, strips a leading '#', and drops
// empties and duplicates, keeping at most MaxTags in their original order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.TrimSpace(strings.TrimLeft(t, "#"))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == MaxTags {
			break
		}
	}
	return out
}
