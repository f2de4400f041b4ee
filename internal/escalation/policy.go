// Package escalation classifies inbound text into a risk tier. Rules are data:
// the defaults below can be replaced by a YAML rules file.
package escalation

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Tier is the escalation risk classification. C is always held for review.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// ParseTier maps free text onto a tier, defaulting to B.
func ParseTier(value string) Tier {
	switch Tier(strings.ToUpper(strings.TrimSpace(value))) {
	case TierA:
		return TierA
	case TierC:
		return TierC
	default:
		return TierB
	}
}

// Reasons reported by Classify.
const (
	ReasonTierAAck     = "tier_a_ack_scheduling"
	ReasonTierBDefault = "tier_b_safe_operational_default"
)

// Rules is the externally configurable rule set.
type Rules struct {
	TierCKeywords []string `yaml:"tier_c_keywords"`
	TierCPatterns []string `yaml:"tier_c_patterns"`
	TierAKeywords []string `yaml:"tier_a_keywords"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		TierCKeywords: []string{
			"price", "pricing", "quote", "discount", "contract", "msa", "dpa", "legal",
			"liability", "security", "soc 2", "hipaa", "gdpr", "guarantee", "guaranteed", "warranty",
		},
		TierCPatterns: []string{`\$\s*\d+`, `\b\d+%\b`},
		TierAKeywords: []string{"thank", "received", "share times", "time window", "schedule", "next step"},
	}
}

// LoadRules reads a YAML rules file. Sections missing from the file keep their
// defaults so an operator can override one list at a time.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if strings.TrimSpace(path) == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read escalation rules: %w", err)
	}
	var override Rules
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Rules{}, fmt.Errorf("parse escalation rules: %w", err)
	}
	if override.TierCKeywords != nil {
		rules.TierCKeywords = override.TierCKeywords
	}
	if override.TierCPatterns != nil {
		rules.TierCPatterns = override.TierCPatterns
	}
	if override.TierAKeywords != nil {
		rules.TierAKeywords = override.TierAKeywords
	}
	return rules, nil
}

// Decision is the classifier output.
type Decision struct {
	Tier               Tier   `json:"tier"`
	AutoPublishAllowed bool   `json:"auto_publish_allowed"`
	Reason             string `json:"reason"`
}

type pattern struct {
	source string
	re     *regexp.Regexp
}

// Policy is a compiled, immutable rule set. It is safe for concurrent use.
type Policy struct {
	tierC    []string
	patterns []pattern
	tierA    []string
}

// New compiles rules into a Policy.
func New(rules Rules) (*Policy, error) {
	p := &Policy{
		tierC: foldAll(rules.TierCKeywords),
		tierA: foldAll(rules.TierAKeywords),
	}
	for _, source := range rules.TierCPatterns {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + source)
		if err != nil {
			return nil, fmt.Errorf("compile tier C pattern %q: %w", source, err)
		}
		p.patterns = append(p.patterns, pattern{source: source, re: re})
	}
	return p, nil
}

// Default returns the policy built from DefaultRules.
func Default() *Policy {
	p, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

// Classify evaluates text in fixed order: tier C keyword, tier C pattern,
// tier A keyword, then the tier B default. The first match wins.
func (p *Policy) Classify(text string) Decision {
	folded := fold(text)
	for _, keyword := range p.tierC {
		if strings.Contains(folded, keyword) {
			return Decision{Tier: TierC, Reason: "tier_c_keyword:" + keyword}
		}
	}
	for _, pat := range p.patterns {
		if pat.re.MatchString(text) {
			return Decision{Tier: TierC, Reason: "tier_c_pattern:" + pat.source}
		}
	}
	for _, keyword := range p.tierA {
		if strings.Contains(folded, keyword) {
			return Decision{Tier: TierA, AutoPublishAllowed: true, Reason: ReasonTierAAck}
		}
	}
	return Decision{Tier: TierB, AutoPublishAllowed: true, Reason: ReasonTierBDefault}
}

func fold(value string) string {
	return cases.Fold().String(value)
}

func foldAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, fold(trimmed))
		}
	}
	return out
}
