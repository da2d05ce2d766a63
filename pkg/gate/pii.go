package gate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Strategy is how a PII match is masked in the suggested redaction.
type Strategy string

const (
	// MaskFull replaces the whole match.
	MaskFull Strategy = "full"
	// MaskKeepLast4 keeps the last four characters.
	MaskKeepLast4 Strategy = "last4"
	// MaskKeepDomain keeps everything from the '@' on.
	MaskKeepDomain Strategy = "keep_domain"
)

const maskRune = '*'

// RuleConfig describes one PII rule.
type RuleConfig struct {
	Name     string   `mapstructure:"name" json:"name"`
	Pattern  string   `mapstructure:"pattern" json:"pattern"`
	Strategy Strategy `mapstructure:"strategy" json:"strategy"`
}

// DefaultRules is the built-in rule set.
var DefaultRules = []RuleConfig{
	{Name: "email", Pattern: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, Strategy: MaskKeepDomain},
	{Name: "card", Pattern: `\b\d(?:[ -]?\d){12,15}\b`, Strategy: MaskKeepLast4},
	{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Strategy: MaskFull},
	{Name: "phone", Pattern: `(?:\+\d{1,3}[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`, Strategy: MaskKeepLast4},
	{Name: "ipv4", Pattern: `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`, Strategy: MaskFull},
	{Name: "secret", Pattern: `(?i)\b(?:sk-[A-Za-z0-9_-]{16,}|AKIA[0-9A-Z]{16}|(?:api[_-]?key|secret|password|token)\s*[:=]\s*\S+)`, Strategy: MaskFull},
}

type piiRule struct {
	name     string
	re       *regexp.Regexp
	strategy Strategy
}

// PIIScanner flags personal data with pattern rules. It never changes its
// input; the redaction is only a suggestion.
type PIIScanner struct {
	rules []piiRule
}

// PIIResult is the outcome of a scan.
type PIIResult struct {
	Flags      []string `json:"flags"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// Detected reports whether any rule matched.
func (r PIIResult) Detected() bool {
	return len(r.Flags) > 0
}

// NewPIIScanner compiles rules; nil or empty rules select DefaultRules.
func NewPIIScanner(rules []RuleConfig) (*PIIScanner, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	compiled := make([]piiRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("pii rule without a name")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for pii rule %s: %w", r.Name, err)
		}
		switch r.Strategy {
		case MaskFull, MaskKeepLast4, MaskKeepDomain:
		case "":
			r.Strategy = MaskFull
		default:
			return nil, fmt.Errorf("unknown strategy %q for pii rule %s", r.Strategy, r.Name)
		}
		compiled = append(compiled, piiRule{name: r.Name, re: re, strategy: r.Strategy})
	}
	return &PIIScanner{rules: compiled}, nil
}

// Scan runs every rule in order. Later rules see the output of earlier ones,
// so an address is not flagged twice once masked.
func (s *PIIScanner) Scan(text string) PIIResult {
	flagged := map[string]bool{}
	redacted := text
	for _, r := range s.rules {
		if !r.re.MatchString(redacted) {
			continue
		}
		flagged[r.name] = true
		redacted = r.re.ReplaceAllStringFunc(redacted, func(m string) string {
			return mask(m, r.strategy)
		})
	}

	res := PIIResult{Flags: make([]string, 0, len(flagged))}
	for name := range flagged {
		res.Flags = append(res.Flags, name)
	}
	sort.Strings(res.Flags)
	if res.Detected() {
		res.Suggestion = redacted
	}
	return res
}

func mask(m string, strategy Strategy) string {
	switch strategy {
	case MaskKeepDomain:
		if at := strings.LastIndex(m, "@"); at > 0 {
			return strings.Repeat(string(maskRune), at) + m[at:]
		}
	case MaskKeepLast4:
		runes := []rune(m)
		if len(runes) > 4 {
			return strings.Repeat(string(maskRune), len(runes)-4) + string(runes[len(runes)-4:])
		}
	}
	return strings.Repeat(string(maskRune), len([]rune(m)))
}
