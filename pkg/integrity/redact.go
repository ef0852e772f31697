package integrity

import (
	"regexp"
	"sort"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

func literal(name, expr string) rule {
	return rule{name: name, re: regexp.MustCompile(expr), repl: Placeholder}
}

// prefixed keeps the first capture group and redacts the rest of the match.
func prefixed(name, expr string) rule {
	return rule{name: name, re: regexp.MustCompile(expr), repl: "${1}" + Placeholder}
}

// secretRules are always on. Vendor-specific patterns come before the generic
// ones so the more precise match wins.
var secretRules = []rule{
	literal("anthropic", `sk-ant-[A-Za-z0-9_\-]{20,}`),
	literal("openai", `\bsk-(?:proj-|svcacct-)?[A-Za-z0-9_\-]{20,}`),
	literal("github", `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{20,}\b`),
	literal("github", `\bgithub_pat_[A-Za-z0-9_]{20,}`),
	literal("slack", `\bxox[abprs]-[A-Za-z0-9\-]{10,}`),
	literal("google-api-key", `\bAIza[0-9A-Za-z_\-]{35}`),
	literal("google-oauth", `\bya29\.[0-9A-Za-z_\-]{10,}`),
	literal("aws-access-key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	prefixed("bearer", `(?i)(\bbearer\s+)[A-Za-z0-9._~+/\-]{8,}=*`),
	prefixed("assignment", `(?i)(\b[A-Za-z0-9_\-]*(?:api[_\-]?key|secret|token|passwd|password|credential)s?["']?\s*[:=]\s*["']?)[^\s"',;]+`),
}

var piiRules = []rule{
	literal("email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	literal("ipv4", `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
}

// Redactor removes secrets from text. Only the matched span changes.
type Redactor struct {
	rules []rule
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// WithPII also redacts email addresses and IPv4 addresses.
func WithPII() RedactorOption {
	return func(r *Redactor) { r.rules = append(r.rules, piiRules...) }
}

// WithPattern adds a named pattern whose whole match is redacted.
func WithPattern(name string, re *regexp.Regexp) RedactorOption {
	return func(r *Redactor) {
		if re != nil {
			r.rules = append(r.rules, rule{name: name, re: re, repl: Placeholder})
		}
	}
}

// NewRedactor creates a redactor with the always-on secret patterns.
func NewRedactor(opts ...RedactorOption) *Redactor {
	r := &Redactor{rules: append([]rule(nil), secretRules...)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Redact returns s with every secret replaced by Placeholder.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		if rl.re.MatchString(s) {
			s = rl.re.ReplaceAllString(s, rl.repl)
		}
	}
	return s
}

// Matches returns the names of the patterns found in s, in order.
func (r *Redactor) Matches(s string) []string {
	seen := make(map[string]bool)
	for _, rl := range r.rules {
		if rl.re.MatchString(s) {
			seen[rl.name] = true
			s = rl.re.ReplaceAllString(s, rl.repl)
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RedactValue redacts strings inside nested maps and slices as produced by
// encoding/json. Other values are returned unchanged.
func (r *Redactor) RedactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i] = r.Redact(s)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.RedactValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = r.Redact(s)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = r.RedactValue(item)
		}
		return out
	default:
		return v
	}
}
