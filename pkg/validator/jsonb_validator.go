package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// JSONBValidator evaluates attribute bags (stored as JSONB on assets) against a FieldSchema.
// It holds no state, so one instance can serve any number of goroutines.
type JSONBValidator struct{}

// NewJSONBValidator creates a new JSONB validator
func NewJSONBValidator() *JSONBValidator {
	return &JSONBValidator{}
}

// Result represents the result of validation
type Result struct {
	IsValid     bool                `json:"is_valid"`
	Errors      []string            `json:"errors"`
	FieldErrors map[string][]string `json:"field_errors"`
	Summary     string              `json:"summary"`
}

// Invalid builds a failed result carrying a single message not tied to a field.
func Invalid(message string) Result {
	return Result{
		IsValid:     false,
		Errors:      []string{message},
		FieldErrors: map[string][]string{},
		Summary:     message,
	}
}

type collector struct {
	errors      []string
	fieldErrors map[string][]string
}

func (c *collector) add(field, message string) {
	c.errors = append(c.errors, message)
	c.fieldErrors[field] = append(c.fieldErrors[field], message)
}

// ValidateFields validates values against schema. Values are strings for flat
// fields and map[string]any for nested groups.
func (jv *JSONBValidator) ValidateFields(schema FieldSchema, values map[string]any) Result {
	c := &collector{fieldErrors: map[string][]string{}}
	evaluateSchema(schema, values, "", c)

	result := Result{
		IsValid:     len(c.errors) == 0,
		Errors:      c.errors,
		FieldErrors: c.fieldErrors,
	}
	if result.Errors == nil {
		result.Errors = []string{}
	}
	if !result.IsValid {
		result.Summary = fmt.Sprintf("%d validation error(s) in %d field(s)", len(c.errors), len(c.fieldErrors))
	}
	return result
}

func evaluateSchema(schema FieldSchema, values map[string]any, prefix string, c *collector) {
	required := make(map[string]bool, len(schema.Required))
	for _, field := range schema.Required {
		required[field] = true
		if isBlank(values[field]) {
			c.add(prefix+field, fmt.Sprintf("Required field missing: %s", prefix+field))
		}
	}

	for _, field := range schema.ruleFields() {
		path := prefix + field
		value := values[field]
		for _, rule := range schema.Rules[field] {
			if rule.Kind == RuleRequired {
				if !required[field] && isBlank(value) {
					c.add(path, rule.message(fmt.Sprintf("Required field missing: %s", path)))
				}
				continue
			}
			if isBlank(value) {
				continue
			}
			evaluateRule(rule, path, value, c)
		}
	}
}

func evaluateRule(rule Rule, path string, value any, c *collector) {
	if rule.Kind == RuleNested {
		nested, ok := asObject(value)
		if !ok {
			c.add(path, rule.message(fmt.Sprintf("Field %s must be an object", path)))
			return
		}
		if rule.Schema != nil {
			evaluateSchema(*rule.Schema, nested, path+".", c)
		}
		return
	}

	text, ok := value.(string)
	if !ok {
		c.add(path, rule.message(fmt.Sprintf("Field %s must be a single value", path)))
		return
	}
	text = strings.TrimSpace(text)

	switch rule.Kind {
	case RuleRange:
		number, err := ParseNumber(text)
		if err != nil {
			c.add(path, rule.message(fmt.Sprintf("Field %s must be a number", path)))
			return
		}
		if rule.Min != nil && number.LessThan(decimal.NewFromFloat(*rule.Min)) ||
			rule.Max != nil && number.GreaterThan(decimal.NewFromFloat(*rule.Max)) {
			c.add(path, rule.message(rangeMessage(path, rule.Min, rule.Max)))
		}
	case RuleLength:
		length := utf8.RuneCountInString(text)
		if rule.MinLength != nil && length < *rule.MinLength ||
			rule.MaxLength != nil && length > *rule.MaxLength {
			c.add(path, rule.message(lengthMessage(path, rule.MinLength, rule.MaxLength)))
		}
	case RulePattern:
		pattern := rule.compiled
		if pattern == nil {
			compiled, err := regexp.Compile(rule.Pattern)
			if err != nil {
				c.add(path, fmt.Sprintf("Field %s has an invalid pattern %s", path, rule.Pattern))
				return
			}
			pattern = compiled
		}
		if !pattern.MatchString(text) {
			c.add(path, rule.message(fmt.Sprintf("Field %s does not match pattern %s", path, rule.Pattern)))
		}
	case RuleEnum:
		for _, allowed := range rule.Values {
			if text == allowed {
				return
			}
		}
		c.add(path, rule.message(fmt.Sprintf("Field %s must be one of: %s", path, strings.Join(rule.Values, ", "))))
	}
}

func (r Rule) message(fallback string) string {
	if strings.TrimSpace(r.Message) != "" {
		return r.Message
	}
	return fallback
}

func rangeMessage(path string, min, max *float64) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("Field %s must be between %s and %s", path, formatBound(*min), formatBound(*max))
	case min != nil:
		return fmt.Sprintf("Field %s must be at least %s", path, formatBound(*min))
	default:
		return fmt.Sprintf("Field %s must be at most %s", path, formatBound(*max))
	}
}

func lengthMessage(path string, min, max *int) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("Field %s length must be between %d and %d characters", path, *min, *max)
	case min != nil:
		return fmt.Sprintf("Field %s length must be at least %d characters", path, *min)
	default:
		return fmt.Sprintf("Field %s length must be at most %d characters", path, *max)
	}
}

func formatBound(value float64) string {
	return decimal.NewFromFloat(value).String()
}

// ParseNumber parses a spreadsheet number, accepting decimal commas ("12,5")
// and thousands separators in either convention ("1.234,5" and "1,234.5").
func ParseNumber(raw string) (decimal.Decimal, error) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	comma := strings.LastIndex(value, ",")
	dot := strings.LastIndex(value, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		value = strings.ReplaceAll(value, ".", "")
		value = strings.Replace(value, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		value = strings.ReplaceAll(value, ",", "")
	case comma >= 0 && strings.Count(value, ",") == 1:
		value = strings.Replace(value, ",", ".", 1)
	}
	return decimal.NewFromString(value)
}

func isBlank(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case map[string]any:
		return len(v) == 0
	}
	return false
}

func asObject(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, "{") {
			return nil, false
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, false
		}
		return stringifyLeaves(decoded), true
	}
	return nil, false
}

// stringifyLeaves turns decoded JSON scalars into strings so nested values
// go through the same rule paths as spreadsheet cells.
func stringifyLeaves(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		switch v := value.(type) {
		case map[string]any:
			out[key] = stringifyLeaves(v)
		case nil:
			out[key] = ""
		case string:
			out[key] = v
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
