package executor

import (
	"fmt"
	"regexp"
	"slices"
)

// LimitKind says which provider limit an agent ran into.
type LimitKind string

const (
	LimitRate    LimitKind = "rate"
	LimitContext LimitKind = "context"
)

// Limit is a provider limit recognised in agent output.
type Limit struct {
	Kind   LimitKind
	Reason string
}

type limitRule struct {
	agents []string // empty matches every agent
	kind   LimitKind
	re     *regexp.Regexp
	reason string
}

func rule(kind LimitKind, reason, pattern string, agents ...string) limitRule {
	return limitRule{agents: agents, kind: kind, re: regexp.MustCompile(`(?i)` + pattern), reason: reason}
}

// Context rules come first: "max tokens" style messages would otherwise read
// as a rate limit.
var limitRules = []limitRule{
	rule(LimitContext, "context length exceeded", `context.*too long|exceeds.*context|context.*window|context_length_exceeded`),
	rule(LimitContext, "maximum tokens exceeded", `maximum.*tokens|token limit|max[ _]tokens`, "claude", "codex"),

	rule(LimitRate, "too many requests", `\b429\b|too many requests`),
	rule(LimitRate, "provider rate limit", `rate[ _-]limit`),
	rule(LimitRate, "quota exceeded", `quota[ _]?exceeded|insufficient_quota|resource[ _]?exhausted`),
	rule(LimitRate, "usage limit reached", `usage[ _]limit|billing.*limit|spending.*limit`),
	rule(LimitRate, "requests per minute limit", `tokens per min|\bTPM\b|\bRPM\b`, "codex"),
	rule(LimitRate, "service overloaded", `overloaded|temporarily unavailable|at capacity`),
	rule(LimitRate, "retry later", `please try again later`),
}

// DetectLimit reports the first provider limit found in an agent's output.
func DetectLimit(output, agent string) (Limit, bool) {
	for _, r := range limitRules {
		if len(r.agents) > 0 && !slices.Contains(r.agents, agent) {
			continue
		}
		if r.re.MatchString(output) {
			return Limit{Kind: r.kind, Reason: r.reason}, true
		}
	}
	return Limit{}, false
}

// Classify returns a note to append to a failed agent's error message, or ""
// when the output shows no provider limit.
func Classify(output, agent string) string {
	l, ok := DetectLimit(output, agent)
	if !ok {
		return ""
	}
	if l.Kind == LimitContext {
		return fmt.Sprintf("(context limit: %s)", l.Reason)
	}
	return fmt.Sprintf("(rate limited: %s)", l.Reason)
}
