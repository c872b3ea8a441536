package validator

import (
	"regexp"
	"sort"

	"github.com/go-faster/errors"
)

// RuleKind tags the variant of a Rule.
type RuleKind string

const (
	RuleRequired RuleKind = "required"
	RuleRange    RuleKind = "range"
	RuleLength   RuleKind = "length"
	RulePattern  RuleKind = "pattern"
	RuleEnum     RuleKind = "enum"
	RuleNested   RuleKind = "nested"
)

// Rule is one validation constraint on a field. Only the members relevant to Kind are read.
type Rule struct {
	Kind      RuleKind     `json:"kind" yaml:"kind"`
	Min       *float64     `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64     `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int         `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int         `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string       `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Values    []string     `json:"values,omitempty" yaml:"values,omitempty"`
	Schema    *FieldSchema `json:"schema,omitempty" yaml:"schema,omitempty"`
	Message   string       `json:"message,omitempty" yaml:"message,omitempty"`

	compiled *regexp.Regexp
}

// FieldSchema describes the fields of a classification and the rules attached to them.
type FieldSchema struct {
	Required []string          `json:"required,omitempty" yaml:"required,omitempty"`
	Optional []string          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Rules    map[string][]Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Compile checks every rule and pre-compiles patterns, recursing into nested schemas.
// A compiled schema must not be mutated afterwards; it is shared by concurrent evaluations.
func (s *FieldSchema) Compile() error {
	for _, field := range s.ruleFields() {
		rules := s.Rules[field]
		for i := range rules {
			if err := rules[i].compile(field); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Rule) compile(field string) error {
	switch r.Kind {
	case RuleRequired:
	case RuleRange:
		if r.Min == nil && r.Max == nil {
			return errors.Errorf("field %s: range rule needs min or max", field)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return errors.Errorf("field %s: range min %v exceeds max %v", field, *r.Min, *r.Max)
		}
	case RuleLength:
		if r.MinLength == nil && r.MaxLength == nil {
			return errors.Errorf("field %s: length rule needs min_length or max_length", field)
		}
	case RulePattern:
		compiled, err := regexp.Compile(r.Pattern)
		if err != nil {
			return errors.Wrapf(err, "field %s: invalid pattern %q", field, r.Pattern)
		}
		r.compiled = compiled
	case RuleEnum:
		if len(r.Values) == 0 {
			return errors.Errorf("field %s: enum rule needs values", field)
		}
	case RuleNested:
		if r.Schema == nil {
			return errors.Errorf("field %s: nested rule needs a schema", field)
		}
		if err := r.Schema.Compile(); err != nil {
			return errors.Wrapf(err, "field %s", field)
		}
	default:
		return errors.Errorf("field %s: unknown rule kind %q", field, r.Kind)
	}
	return nil
}

func (s FieldSchema) ruleFields() []string {
	fields := make([]string, 0, len(s.Rules))
	for field := range s.Rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Fields returns every field the schema knows about, required first.
func (s FieldSchema) Fields() []string {
	seen := make(map[string]struct{})
	var fields []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		fields = append(fields, name)
	}
	for _, name := range s.Required {
		add(name)
	}
	for _, name := range s.Optional {
		add(name)
	}
	for _, name := range s.ruleFields() {
		add(name)
	}
	return fields
}

// Merge layers child on top of parent: required and optional lists are unioned
// in parent-first order, and child rules are appended after the parent's.
func Merge(parent, child FieldSchema) FieldSchema {
	merged := FieldSchema{
		Required: unionStrings(parent.Required, child.Required),
		Optional: unionStrings(parent.Optional, child.Optional),
		Rules:    make(map[string][]Rule, len(parent.Rules)+len(child.Rules)),
	}
	for field, rules := range parent.Rules {
		merged.Rules[field] = cloneRules(nil, rules)
	}
	for field, rules := range child.Rules {
		merged.Rules[field] = cloneRules(merged.Rules[field], rules)
	}
	return merged
}

// Clone returns a deep copy, including nested schemas.
func (s FieldSchema) Clone() FieldSchema {
	out := FieldSchema{
		Required: append([]string(nil), s.Required...),
		Optional: append([]string(nil), s.Optional...),
	}
	if s.Rules != nil {
		out.Rules = make(map[string][]Rule, len(s.Rules))
		for field, rules := range s.Rules {
			out.Rules[field] = cloneRules(nil, rules)
		}
	}
	return out
}

func cloneRules(dst, src []Rule) []Rule {
	for _, rule := range src {
		rule.Values = append([]string(nil), rule.Values...)
		if rule.Schema != nil {
			nested := rule.Schema.Clone()
			rule.Schema = &nested
		}
		dst = append(dst, rule)
	}
	return dst
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, value := range list {
			if _, ok := seen[value]; ok {
				continue
			}
			seen[value] = struct{}{}
			out = append(out, value)
		}
	}
	return out
}
