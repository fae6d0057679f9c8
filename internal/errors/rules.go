package errors

import (
	"sort"
	"strings"
)

// MessageRule rewrites the user-visible message for matching failures.
// Rules are managed in the database and only consulted when the feature
// toggle is on.
type MessageRule struct {
	ID        int64
	Keyword   string
	ErrorType string
	Message   string
	Priority  int
	IsActive  bool
}

// MatchRule returns the custom message for the first matching active rule,
// scanning by priority descending. A rule with a keyword matches when the
// keyword occurs in the error text (case-insensitive); if it also names an
// error kind, both must match. A keyword-less rule matches on error kind
// alone.
func MatchRule(rules []MessageRule, kind Kind, errText string) (string, bool) {
	errorType := string(kind)
	sorted := make([]MessageRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	lowerText := strings.ToLower(errText)
	for _, rule := range sorted {
		if !rule.IsActive {
			continue
		}
		if rule.Keyword != "" {
			if !strings.Contains(lowerText, strings.ToLower(rule.Keyword)) {
				continue
			}
			if rule.ErrorType != "" && rule.ErrorType != errorType {
				continue
			}
			return rule.Message, true
		}
		if rule.ErrorType != "" && rule.ErrorType == errorType {
			return rule.Message, true
		}
	}
	return "", false
}
