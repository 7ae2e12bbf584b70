// Package secrets redacts credentials from free text before it is sent to a
// third-party service.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

const defaultRedaction = "[REDACTED]"

// Rule is one detection pattern.
type Rule struct {
	ID      string
	Pattern string
}

// Config configures a Scrubber. A nil Rules slice means DefaultRules.
type Config struct {
	Enabled   bool
	Rules     []Rule
	Redaction string
}

// Result reports what Scrub changed. It never holds the matched values.
type Result struct {
	Scrubbed string
	Findings int
	ByRule   map[string]int
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool { return r.Findings > 0 }

// Scrubber redacts secrets from text.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
}

type compiledRule struct {
	id string
	re *regexp.Regexp
}

type span struct{ start, end int }

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = defaultRedaction
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, re: re})
	}
	return s, nil
}

// IsEnabled reports whether Scrub modifies its input.
func (s *Scrubber) IsEnabled() bool {
	return s != nil && s.enabled
}

// Scrub replaces every match of every rule. Overlapping matches collapse
// into a single redaction.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.IsEnabled() {
		return res
	}

	var spans []span
	for _, rule := range s.rules {
		for _, m := range rule.re.FindAllStringIndex(content, -1) {
			spans = append(spans, span{m[0], m[1]})
			res.ByRule[rule.id]++
			res.Findings++
		}
	}
	if len(spans) == 0 {
		return res
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	out := make([]byte, 0, len(content))
	prev := 0
	for _, sp := range merged {
		out = append(out, content[prev:sp.start]...)
		out = append(out, s.redaction...)
		prev = sp.end
	}
	out = append(out, content[prev:]...)
	res.Scrubbed = string(out)
	return res
}
