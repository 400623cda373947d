// Package caption builds the training caption for a dataset item.
package caption

import "strings"

// Build joins a title and a description into one caption.
//
// Both parts are trimmed. A non-empty title that does not already end in
// '.', '!' or '?' gets a trailing period. The parts are always joined by a
// single space, so an empty description leaves a trailing space.
func Build(title, description string) string {
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	if title != "" && !endsSentence(title) {
		title += "."
	}
	return title + " " + description
}

func endsSentence(s string) bool {
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}
