package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RoutingStrategy decides how members of a group are ranked.
type RoutingStrategy string

const (
	StrategyPriority    RoutingStrategy = "priority"
	StrategyRoundRobin  RoutingStrategy = "round_robin"
	StrategyFailover    RoutingStrategy = "failover"
	StrategyLoadBalance RoutingStrategy = "load_balance"
	StrategyRandom      RoutingStrategy = "random"
)

func (s RoutingStrategy) String() string { return string(s) }

func (s RoutingStrategy) IsValid() bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyFailover, StrategyLoadBalance, StrategyRandom:
		return true
	}
	return false
}

func ParseRoutingStrategyFromString(s string) (RoutingStrategy, error) {
	st := RoutingStrategy(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return StrategyPriority, nil
	}
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid routing strategy %q", ErrValidation, s)
	}
	return st, nil
}

// GroupMembership places a provider in a group with group-scoped settings.
type GroupMembership struct {
	ProviderKey   string
	Priority      int
	Weight        int
	Enabled       bool
	MaxRetries    int // 0 inherits the provider limit
	CapacityLimit int // 0 is unlimited
}

// ProviderGroup is a named, strategy-governed set of providers.
type ProviderGroup struct {
	Key             string
	Name            string
	Strategy        RoutingStrategy
	FailoverEnabled bool
	MaxRetries      int
	Enabled         bool
	Members         []GroupMembership
}

func (g *ProviderGroup) Validate() error {
	if strings.TrimSpace(g.Key) == "" {
		return fmt.Errorf("%w: group key is required", ErrValidation)
	}
	if !g.Strategy.IsValid() {
		return fmt.Errorf("%w: group %s: invalid strategy %q", ErrValidation, g.Key, g.Strategy)
	}
	if g.MaxRetries < 0 {
		return fmt.Errorf("%w: group %s: max retries cannot be negative", ErrValidation, g.Key)
	}

	seen := make(map[string]struct{}, len(g.Members))
	for _, m := range g.Members {
		if strings.TrimSpace(m.ProviderKey) == "" {
			return fmt.Errorf("%w: group %s: member provider key is required", ErrValidation, g.Key)
		}
		if _, dup := seen[m.ProviderKey]; dup {
			return fmt.Errorf("%w: group %s: duplicate member %s", ErrValidation, g.Key, m.ProviderKey)
		}
		seen[m.ProviderKey] = struct{}{}
		if m.Weight < 0 || m.MaxRetries < 0 || m.CapacityLimit < 0 {
			return fmt.Errorf("%w: group %s: member %s has negative limits", ErrValidation, g.Key, m.ProviderKey)
		}
	}
	return nil
}

// RequestAttributes are the request properties routing rules match against.
type RequestAttributes struct {
	RecipientCount int
	TemplateName   string
	Environment    Environment
}

// RuleCondition is the predicate of a routing rule. Empty fields match anything.
type RuleCondition struct {
	RecipientCount  string
	TemplatePattern string
	Environment     Environment

	templateRe *regexp.Regexp
}

// Compile validates the condition and prepares the template expression.
func (c *RuleCondition) Compile() error {
	if c.RecipientCount != "" {
		if _, _, err := parseNumericCondition(c.RecipientCount); err != nil {
			return err
		}
	}
	if c.TemplatePattern != "" {
		re, err := regexp.Compile(c.TemplatePattern)
		if err != nil {
			return fmt.Errorf("%w: invalid template pattern %q: %v", ErrValidation, c.TemplatePattern, err)
		}
		c.templateRe = re
	}
	if c.Environment != "" && !c.Environment.IsValid() {
		return fmt.Errorf("%w: invalid environment %q", ErrValidation, c.Environment)
	}
	return nil
}

// Matches evaluates the condition. An uncompiled pattern never matches.
func (c RuleCondition) Matches(attrs RequestAttributes) bool {
	if c.RecipientCount != "" {
		op, n, err := parseNumericCondition(c.RecipientCount)
		if err != nil || !compareInt(attrs.RecipientCount, op, n) {
			return false
		}
	}
	if c.TemplatePattern != "" {
		if c.templateRe == nil || attrs.TemplateName == "" || !c.templateRe.MatchString(attrs.TemplateName) {
			return false
		}
	}
	if c.Environment != "" && c.Environment != attrs.Environment {
		return false
	}
	return true
}

// RoutingRule maps request attributes to a target group and optional fallback.
type RoutingRule struct {
	Key           string
	Name          string
	Priority      int
	Enabled       bool
	TargetGroup   string
	FallbackGroup string
	Condition     RuleCondition
}

func (r *RoutingRule) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("%w: rule key is required", ErrValidation)
	}
	if strings.TrimSpace(r.TargetGroup) == "" {
		return fmt.Errorf("%w: rule %s: target group is required", ErrValidation, r.Key)
	}
	if err := r.Condition.Compile(); err != nil {
		return fmt.Errorf("rule %s: %w", r.Key, err)
	}
	return nil
}

// parseNumericCondition parses expressions like ">= 10", "< 5" or "3".
func parseNumericCondition(expr string) (string, int, error) {
	trimmed := strings.TrimSpace(expr)
	op := "=="
	for _, candidate := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if strings.HasPrefix(trimmed, candidate) {
			op = candidate
			trimmed = strings.TrimSpace(trimmed[len(candidate):])
			break
		}
	}

	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid numeric condition %q", ErrValidation, expr)
	}
	return op, n, nil
}

func compareInt(value int, op string, n int) bool {
	switch op {
	case ">=":
		return value >= n
	case "<=":
		return value <= n
	case ">":
		return value > n
	case "<":
		return value < n
	case "!=":
		return value != n
	default:
		return value == n
	}
}
