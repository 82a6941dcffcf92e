package safety

import "strings"

// DefaultBannedTerms is the deny-list used when none is configured.
var DefaultBannedTerms = []string{"bomb", "kill", "suicide", "terrorism", "child sexual"}

// Filter rejects text containing any deny-listed term, case-insensitively.
type Filter struct {
	terms []string
}

// NewFilter builds a filter over terms, or DefaultBannedTerms when terms is empty.
func NewFilter(terms []string) *Filter {
	if len(terms) == 0 {
		terms = DefaultBannedTerms
	}
	lowered := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			lowered = append(lowered, term)
		}
	}
	return &Filter{terms: lowered}
}

// Allowed reports whether text passes the deny-list.
func (f *Filter) Allowed(text string) bool {
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}
