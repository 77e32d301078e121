// Package intent implements declarative operation contracts: named,
// versioned sets of pre-conditions, post-conditions, and invariants bound
// to whitelisted operation types. Conditions form a closed set of
// variants (path, code, threshold, predicate) so the built-in checks stay
// statically verifiable; the predicate variant carries a CEL expression
// for everything else. Every condition of a contract is always evaluated,
// so a denial reports the full violation set rather than the first hit.
package intent

import (
	"fmt"

	"github.com/ember6784/archon-ai/pkg/analyzer"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/pathguard"
)

// ConditionType discriminates the closed set of condition variants.
type ConditionType string

const (
	// TypePath validates a payload path field through the path guard.
	TypePath ConditionType = "path"
	// TypeCode runs the security analyzer over a payload code field.
	TypeCode ConditionType = "code"
	// TypeThreshold compares a numeric observation against a bound.
	TypeThreshold ConditionType = "threshold"
	// TypePredicate evaluates a CEL expression over request and result.
	TypePredicate ConditionType = "predicate"
)

// ThresholdSource names where a threshold condition reads its number.
type ThresholdSource string

const (
	// SourcePayload reads a numeric payload field.
	SourcePayload ThresholdSource = "payload"
	// SourceResult reads a numeric field from the reported outcome.
	SourceResult ThresholdSource = "result"
	// SourceFieldBytes measures the byte length of a string payload field.
	SourceFieldBytes ThresholdSource = "field_bytes"
	// SourcePayloadBytes measures the canonical size of the whole payload.
	SourcePayloadBytes ThresholdSource = "payload_bytes"
)

var thresholdOps = map[string]func(a, b float64) bool{
	"lt": func(a, b float64) bool { return a < b },
	"le": func(a, b float64) bool { return a <= b },
	"gt": func(a, b float64) bool { return a > b },
	"ge": func(a, b float64) bool { return a >= b },
	"eq": func(a, b float64) bool { return a == b },
	"ne": func(a, b float64) bool { return a != b },
}

// Condition is one check inside a contract. Exactly one variant's fields
// apply, selected by Type; contracts are configuration data, so every
// variant must be expressible in YAML.
type Condition struct {
	Name     string             `yaml:"name" json:"name"`
	Type     ConditionType      `yaml:"type" json:"type"`
	Severity contracts.Severity `yaml:"severity,omitempty" json:"severity,omitempty"`

	// Field names the payload (or result) field the condition reads.
	// Defaults: "path" for path conditions, "code" for code conditions.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// Required fails the condition when the field is absent. When false,
	// an absent field passes: the check constrains the field's value,
	// not its presence.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// PathPolicy overrides the default path guard policy (path variant).
	PathPolicy *pathguard.Policy `yaml:"path_policy,omitempty" json:"path_policy,omitempty"`

	// Tier and AllowImports configure the analyzer (code variant).
	Tier         analyzer.Tier `yaml:"tier,omitempty" json:"tier,omitempty"`
	AllowImports []string      `yaml:"allow_imports,omitempty" json:"allow_imports,omitempty"`

	// Source, Op, and Value configure the comparison (threshold variant).
	Source ThresholdSource `yaml:"source,omitempty" json:"source,omitempty"`
	Op     string          `yaml:"op,omitempty" json:"op,omitempty"`
	Value  float64         `yaml:"value" json:"value"`

	// Expression is the CEL predicate (predicate variant). It sees
	// "request", "payload", and "result" map variables and must yield a
	// boolean.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Validate checks that the condition is well formed for its variant.
func (c *Condition) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("condition has no name")
	}
	switch c.Type {
	case TypePath, TypeCode:
		// Field defaults apply at evaluation time.
	case TypeThreshold:
		if _, ok := thresholdOps[c.Op]; !ok {
			return fmt.Errorf("condition %s: unknown threshold op %q", c.Name, c.Op)
		}
		switch c.source() {
		case SourcePayload, SourceResult, SourceFieldBytes:
			if c.Field == "" {
				return fmt.Errorf("condition %s: threshold source %q needs a field", c.Name, c.source())
			}
		case SourcePayloadBytes:
		default:
			return fmt.Errorf("condition %s: unknown threshold source %q", c.Name, c.Source)
		}
	case TypePredicate:
		if c.Expression == "" {
			return fmt.Errorf("condition %s: predicate has no expression", c.Name)
		}
	default:
		return fmt.Errorf("condition %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}

func (c *Condition) field() string {
	if c.Field != "" {
		return c.Field
	}
	switch c.Type {
	case TypePath:
		return "path"
	case TypeCode:
		return "code"
	}
	return ""
}

func (c *Condition) source() ThresholdSource {
	if c.Source == "" {
		return SourcePayload
	}
	return c.Source
}

// severity returns the configured severity, or the variant default: path
// and code failures are treated as critical, thresholds as medium,
// predicates as high.
func (c *Condition) severity() contracts.Severity {
	if c.Severity != "" {
		return c.Severity
	}
	switch c.Type {
	case TypePath, TypeCode:
		return contracts.SeverityCritical
	case TypeThreshold:
		return contracts.SeverityMedium
	default:
		return contracts.SeverityHigh
	}
}
