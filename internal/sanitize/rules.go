package sanitize

import (
	"regexp"
	"strings"
)

// proseRule is one line-shape predicate. A line is prose when any rule
// matches and no code signal is present.
type proseRule struct {
	name  string
	match func(trimmed string) bool
}

var discourseMarkers = []string{
	"Here", "Please", "Note", "The ", "A ", "An ", "This ", "These ",
	"Make sure", "Feel free", "Below", "Above", "I've ", "I have ", "I ",
	"Let me", "Sure", "Certainly", "In this", "You can", "Remember",
}

var (
	sentenceShape = regexp.MustCompile(`^[A-Z][a-z]+,? [a-z]+`)
	markdownHead  = regexp.MustCompile(`^#{1,6} \S`)
	markdownItem  = regexp.MustCompile(`^(?:[-*+]|\d+[.)]) +[A-Z*_]`)
	markdownBold  = regexp.MustCompile(`^\*\*[^*]+\*\*`)
)

var proseRules = []proseRule{
	{"discourse-marker", func(t string) bool {
		for _, m := range discourseMarkers {
			if strings.HasPrefix(t, m) {
				return true
			}
		}
		return false
	}},
	{"sentence-shape", sentenceShape.MatchString},
	{"markdown-heading", markdownHead.MatchString},
	{"markdown-list-item", markdownItem.MatchString},
	{"markdown-bold", markdownBold.MatchString},
}

var codeKeyword = regexp.MustCompile(`\b(?:import|export|from|const|let|var|function|return|if|else|for|while|do|switch|case|break|continue|class|interface|type|enum|async|await|new|try|catch|throw|default|extends|implements)\b`)

// looksLikeCode reports whether a line carries any signal that it is
// source rather than prose.
func looksLikeCode(trimmed string) bool {
	if strings.ContainsAny(trimmed, "=(){}[];<>`") {
		return true
	}
	return codeKeyword.MatchString(trimmed)
}

// isProse reports whether a trimmed line should be treated as model
// commentary. Ambiguous lines are never prose.
func isProse(trimmed string) bool {
	if trimmed == "" || looksLikeCode(trimmed) {
		return false
	}
	for _, r := range proseRules {
		if r.match(trimmed) {
			return true
		}
	}
	return false
}
