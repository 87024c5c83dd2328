package admission

import (
	"regexp"
	"strings"
)

var botPattern = regexp.MustCompile(`(?i)(bot|crawler|spider|crawling|slurp|preview|curl|wget|httpie)`)

// DefaultAllowedBotTokens exempt link-preview and search-engine agents.
var DefaultAllowedBotTokens = []string{"search_engine", "preview"}

// BotFilter recognises automated clients by user agent.
type BotFilter struct {
	allowed   []string
	denyEmpty bool
}

// NewBotFilter builds a filter. Tokens are matched case-insensitively.
func NewBotFilter(allowedTokens []string, denyEmpty bool) *BotFilter {
	allowed := make([]string, 0, len(allowedTokens))
	for _, token := range allowedTokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token != "" {
			allowed = append(allowed, token)
		}
	}
	return &BotFilter{allowed: allowed, denyEmpty: denyEmpty}
}

// Disallowed reports whether userAgent belongs to a bot that is not on the
// allow list.
func (f *BotFilter) Disallowed(userAgent string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return f.denyEmpty
	}
	if !botPattern.MatchString(userAgent) {
		return false
	}

	lower := strings.ToLower(userAgent)
	for _, token := range f.allowed {
		if strings.Contains(lower, token) {
			return false
		}
	}
	return true
}
