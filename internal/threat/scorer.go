// Package threat scores decoded request payloads for SQL injection and markup
// injection signals. The scoring is a coarse heuristic: false positives and
// false negatives are expected.
package threat

import (
	"regexp"
)

// DefaultMaxStringLength is the longest string that is scored. Longer
// strings are skipped entirely.
const DefaultMaxStringLength = 2000

const (
	// InjectionWeight is added for every injection rule a string matches.
	InjectionWeight = 2
	// MarkupWeight is added for every markup/script rule a string matches.
	MarkupWeight = 1
)

// Scorer assigns a non-negative threat score to a decoded payload.
type Scorer interface {
	Score(payload any) int
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(payload any) int

// Score calls f(payload).
func (f ScorerFunc) Score(payload any) int {
	return f(payload)
}

// Rule is one weighted pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  int
}

func rule(name, expr string, weight int) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(`(?i)` + expr), Weight: weight}
}

// InjectionRules are the SQL injection signals.
var InjectionRules = []Rule{
	rule("tautology", `\b(or|and)\b\s+\d+\s*=\s*\d+`, InjectionWeight),
	rule("union_select", `union\s+select`, InjectionWeight),
	rule("select_from", `select\s+.*\s+from`, InjectionWeight),
	rule("insert_into", `insert\s+into`, InjectionWeight),
	rule("update_set", `update\s+.*\s+set`, InjectionWeight),
	rule("delete_from", `delete\s+from`, InjectionWeight),
	rule("drop_table", `drop\s+table`, InjectionWeight),
	rule("alter_table", `alter\s+table`, InjectionWeight),
	rule("line_comment", `--`, InjectionWeight),
	rule("statement_break", `;`, InjectionWeight),
	rule("block_comment_open", `/\*`, InjectionWeight),
	rule("block_comment_close", `\*/`, InjectionWeight),
	rule("system_variable", `@@`, InjectionWeight),
	rule("cast_function", `\b(n?char|varchar|cast)\(`, InjectionWeight),
}

// MarkupRules are the markup and script injection signals.
var MarkupRules = []Rule{
	rule("script_open", `<script\b`, MarkupWeight),
	rule("script_close", `</script>`, MarkupWeight),
	rule("javascript_uri", `javascript:`, MarkupWeight),
	rule("event_handler", `\bon(error|load)\s*=`, MarkupWeight),
	rule("risky_tag", `<(img|svg|iframe|object|embed|link|style)\b`, MarkupWeight),
	rule("cookie_access", `document\.cookie`, MarkupWeight),
	rule("location_access", `window\.location`, MarkupWeight),
}

// RuleScorer sums rule weights over every string found in a payload.
type RuleScorer struct {
	rules     []Rule
	maxLength int
}

// Option customizes a RuleScorer.
type Option func(*RuleScorer)

// WithRules replaces the rule set.
func WithRules(rules ...Rule) Option {
	return func(s *RuleScorer) {
		s.rules = append([]Rule(nil), rules...)
	}
}

// WithMaxStringLength changes the length above which strings are skipped.
func WithMaxStringLength(n int) Option {
	return func(s *RuleScorer) {
		if n > 0 {
			s.maxLength = n
		}
	}
}

// NewRuleScorer returns a scorer using InjectionRules and MarkupRules.
func NewRuleScorer(opts ...Option) *RuleScorer {
	rules := make([]Rule, 0, len(InjectionRules)+len(MarkupRules))
	rules = append(rules, InjectionRules...)
	rules = append(rules, MarkupRules...)

	s := &RuleScorer{rules: rules, maxLength: DefaultMaxStringLength}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score walks the payload and returns the summed weight of all rule matches.
func (s *RuleScorer) Score(payload any) int {
	total := 0
	for _, value := range Collect(payload) {
		total += s.ScoreString(value)
	}
	return total
}

// ScoreString scores a single string.
func (s *RuleScorer) ScoreString(value string) int {
	if value == "" || len(value) > s.maxLength {
		return 0
	}
	score := 0
	for _, r := range s.rules {
		if r.Pattern.MatchString(value) {
			score += r.Weight
		}
	}
	return score
}

// Matches returns the names of the rules that value triggers.
func (s *RuleScorer) Matches(value string) []string {
	if len(value) > s.maxLength {
		return nil
	}
	var names []string
	for _, r := range s.rules {
		if r.Pattern.MatchString(value) {
			names = append(names, r.Name)
		}
	}
	return names
}
