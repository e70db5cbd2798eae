package esewa

import "strings"

// Matcher decides whether a confirmation response body reports a completed payment.
type Matcher interface {
	Match(body string) bool
}

// MarkerMatcher reports success when the body contains Marker.
type MarkerMatcher struct {
	Marker string
}

func (m MarkerMatcher) Match(body string) bool {
	marker := strings.TrimSpace(m.Marker)
	if marker == "" {
		return false
	}
	return strings.Contains(body, marker)
}
