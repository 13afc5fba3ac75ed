// Package routing maps request types to agent types through an ordered rule table.
package routing

import (
	"fmt"
	"strings"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/config"
)

// Predicate decides whether a (lower-cased) request type matches a rule.
type Predicate func(requestType string) bool

// Rule pairs a predicate with the agent type it routes to.
type Rule struct {
	Name   string
	Match  Predicate
	Target schemas.AgentType
}

// Table is an ordered list of rules; the first match wins and Default applies
// when nothing matches. A Table is immutable after construction.
type Table struct {
	rules    []Rule
	fallback schemas.AgentType
}

// NewTable builds a table from rules in evaluation order.
func NewTable(fallback schemas.AgentType, rules ...Rule) *Table {
	return &Table{rules: append([]Rule(nil), rules...), fallback: fallback}
}

// KeywordRule matches when the request type contains any of the keywords,
// compared case-insensitively.
func KeywordRule(name string, target schemas.AgentType, keywords ...string) Rule {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return Rule{
		Name:   name,
		Target: target,
		Match: func(requestType string) bool {
			for _, k := range lowered {
				if strings.Contains(requestType, k) {
					return true
				}
			}
			return false
		},
	}
}

// Resolve returns the agent type for a request type.
func (t *Table) Resolve(requestType string) schemas.AgentType {
	target, _ := t.Explain(requestType)
	return target
}

// Explain is Resolve plus the name of the rule that matched ("default" if none did).
func (t *Table) Explain(requestType string) (schemas.AgentType, string) {
	lowered := strings.ToLower(requestType)
	for _, r := range t.rules {
		if r.Match(lowered) {
			return r.Target, r.Name
		}
	}
	return t.fallback, "default"
}

// Default returns the fallback agent type.
func (t *Table) Default() schemas.AgentType { return t.fallback }

// Rules returns a copy of the rules in evaluation order.
func (t *Table) Rules() []Rule { return append([]Rule(nil), t.rules...) }

// DefaultTable is the built-in routing table for county GIS request types.
func DefaultTable() *Table {
	return NewTable(schemas.AgentUserInteraction,
		KeywordRule("validation", schemas.AgentDataValidation, "validation", "validate"),
		KeywordRule("valuation", schemas.AgentValuation, "valuation", "appraisal", "assessment"),
		KeywordRule("workflow", schemas.AgentWorkflow, "workflow", "approval"),
		KeywordRule("spatial", schemas.AgentSpatialAnalysis, "spatial", "parcel", "map", "gis"),
		KeywordRule("document", schemas.AgentDocumentProcessing, "document", "upload", "classif"),
		KeywordRule("legal", schemas.AgentLegalCompliance, "legal", "compliance"),
		KeywordRule("report", schemas.AgentReporting, "report"),
	)
}

// FromConfig builds a table from configuration. Without configured rules the
// built-in rules are used, still honoring a configured default.
func FromConfig(cfg config.RoutingConfig) (*Table, error) {
	fallback := schemas.AgentUserInteraction
	if cfg.Default != "" {
		parsed, err := schemas.ParseAgentType(cfg.Default)
		if err != nil {
			return nil, fmt.Errorf("routing.default: %w", err)
		}
		fallback = parsed
	}

	if len(cfg.Rules) == 0 {
		return NewTable(fallback, DefaultTable().rules...), nil
	}

	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		target, err := schemas.ParseAgentType(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("routing.rules[%d]: %w", i, err)
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		rules = append(rules, KeywordRule(name, target, rc.Keywords...))
	}
	return NewTable(fallback, rules...), nil
}
