package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func heatingSchema(t *testing.T) FieldSchema {
	t.Helper()
	schema := FieldSchema{
		Required: []string{"hersteller", "typ", "baujahr", "leistung"},
		Rules: map[string][]Rule{
			"baujahr":  {{Kind: RuleRange, Min: floatPtr(1990), Max: floatPtr(2030)}},
			"leistung": {{Kind: RuleRange, Min: floatPtr(0)}},
			"typ":      {{Kind: RuleEnum, Values: []string{"Gas", "Öl", "Wärmepumpe"}}},
			"seriennummer": {
				{Kind: RuleLength, MinLength: intPtr(4), MaxLength: intPtr(12)},
				{Kind: RulePattern, Pattern: `^[A-Z0-9-]+$`, Message: "Seriennummer ungültig"},
			},
			"anschluss": {{Kind: RuleNested, Schema: &FieldSchema{
				Required: []string{"spannung"},
				Rules: map[string][]Rule{
					"spannung": {{Kind: RuleRange, Min: floatPtr(110), Max: floatPtr(400)}},
				},
			}}},
		},
	}
	require.NoError(t, schema.Compile())
	return schema
}

func validHeating() map[string]any {
	return map[string]any{
		"hersteller": "Viessmann",
		"typ":        "Gas",
		"baujahr":    "2015",
		"leistung":   "24,5",
	}
}

func TestValidateFieldsAcceptsValidValues(t *testing.T) {
	v := NewJSONBValidator()
	result := v.ValidateFields(heatingSchema(t), validHeating())

	assert.True(t, result.IsValid, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.FieldErrors)
	assert.Empty(t, result.Summary)
}

func TestValidateFieldsRequiredMissing(t *testing.T) {
	values := validHeating()
	delete(values, "hersteller")

	result := NewJSONBValidator().ValidateFields(heatingSchema(t), values)

	require.False(t, result.IsValid)
	assert.Equal(t, []string{"Required field missing: hersteller"}, result.Errors)
	assert.Equal(t, []string{"Required field missing: hersteller"}, result.FieldErrors["hersteller"])
	assert.Equal(t, "1 validation error(s) in 1 field(s)", result.Summary)
}

func TestValidateFieldsRangeReferencesBounds(t *testing.T) {
	values := validHeating()
	values["baujahr"] = "1850"

	result := NewJSONBValidator().ValidateFields(heatingSchema(t), values)

	require.False(t, result.IsValid)
	assert.Equal(t, []string{"Field baujahr must be between 1990 and 2030"}, result.FieldErrors["baujahr"])
}

func TestValidateFieldsRangeBoundsAreInclusive(t *testing.T) {
	v := NewJSONBValidator()
	schema := heatingSchema(t)
	for _, year := range []string{"1990", "2030"} {
		values := validHeating()
		values["baujahr"] = year
		assert.True(t, v.ValidateFields(schema, values).IsValid, year)
	}
}

func TestValidateFieldsRangeNonNumeric(t *testing.T) {
	values := validHeating()
	values["leistung"] = "viel"

	result := NewJSONBValidator().ValidateFields(heatingSchema(t), values)

	assert.Equal(t, []string{"Field leistung must be a number"}, result.FieldErrors["leistung"])
}

func TestValidateFieldsEnumIsCaseSensitive(t *testing.T) {
	values := validHeating()
	values["typ"] = "gas"

	result := NewJSONBValidator().ValidateFields(heatingSchema(t), values)

	assert.Equal(t, []string{"Field typ must be one of: Gas, Öl, Wärmepumpe"}, result.FieldErrors["typ"])
}

func TestValidateFieldsLengthAndCustomMessage(t *testing.T) {
	values := validHeating()
	values["seriennummer"] = "ab"

	result := NewJSONBValidator().ValidateFields(heatingSchema(t), values)

	assert.Equal(t, []string{
		"Field seriennummer length must be between 4 and 12 characters",
		"Seriennummer ungültig",
	}, result.FieldErrors["seriennummer"])
}

func TestValidateFieldsNestedSchema(t *testing.T) {
	v := NewJSONBValidator()
	schema := heatingSchema(t)

	values := validHeating()
	values["anschluss"] = map[string]any{"spannung": "500"}
	result := v.ValidateFields(schema, values)
	assert.Equal(t, []string{"Field anschluss.spannung must be between 110 and 400"}, result.FieldErrors["anschluss.spannung"])

	values["anschluss"] = map[string]any{"phasen": "3"}
	result = v.ValidateFields(schema, values)
	assert.Equal(t, []string{"Required field missing: anschluss.spannung"}, result.Errors)

	values["anschluss"] = `{"spannung": 230}`
	result = v.ValidateFields(schema, values)
	assert.True(t, result.IsValid, "errors: %v", result.Errors)

	values["anschluss"] = "230V"
	result = v.ValidateFields(schema, values)
	assert.Equal(t, []string{"Field anschluss must be an object"}, result.Errors)
}

func TestValidateFieldsIsDeterministic(t *testing.T) {
	v := NewJSONBValidator()
	schema := heatingSchema(t)
	values := map[string]any{"baujahr": "1800", "typ": "Holz", "seriennummer": "x"}

	first := v.ValidateFields(schema, values)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, v.ValidateFields(schema, values))
	}
}

func TestCompileRejectsInvalidRules(t *testing.T) {
	cases := map[string]FieldSchema{
		"pattern": {Rules: map[string][]Rule{"a": {{Kind: RulePattern, Pattern: "("}}}},
		"range":   {Rules: map[string][]Rule{"a": {{Kind: RuleRange}}}},
		"inverse": {Rules: map[string][]Rule{"a": {{Kind: RuleRange, Min: floatPtr(5), Max: floatPtr(1)}}}},
		"enum":    {Rules: map[string][]Rule{"a": {{Kind: RuleEnum}}}},
		"nested":  {Rules: map[string][]Rule{"a": {{Kind: RuleNested}}}},
		"unknown": {Rules: map[string][]Rule{"a": {{Kind: "bogus"}}}},
	}
	for name, schema := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, schema.Compile())
		})
	}
}

func TestMergeLayersChildOverParent(t *testing.T) {
	parent := FieldSchema{
		Required: []string{"hersteller"},
		Rules:    map[string][]Rule{"baujahr": {{Kind: RuleRange, Min: floatPtr(1950)}}},
	}
	child := FieldSchema{
		Required: []string{"hersteller", "leistung"},
		Optional: []string{"notiz"},
		Rules:    map[string][]Rule{"baujahr": {{Kind: RuleRange, Max: floatPtr(2030)}}},
	}

	merged := Merge(parent, child)

	assert.Equal(t, []string{"hersteller", "leistung"}, merged.Required)
	assert.Equal(t, []string{"notiz"}, merged.Optional)
	require.Len(t, merged.Rules["baujahr"], 2)
	assert.Equal(t, 1950.0, *merged.Rules["baujahr"][0].Min)
	assert.Equal(t, 2030.0, *merged.Rules["baujahr"][1].Max)
	assert.Len(t, parent.Rules["baujahr"], 1)
}

func TestParseNumber(t *testing.T) {
	cases := map[string]string{
		"12":      "12",
		"12,5":    "12.5",
		"1.234,5": "1234.5",
		"1,234.5": "1234.5",
		" 2 000 ": "2000",
		"-3.75":   "-3.75",
	}
	for raw, want := range cases {
		got, err := ParseNumber(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.String(), raw)
	}
	_, err := ParseNumber("n/a")
	assert.Error(t, err)
}

func TestPathManagerExpand(t *testing.T) {
	pm := NewPathManager()
	expanded := pm.Expand(map[string]string{
		"farbe":              "rot",
		"anschluss.spannung": "230",
		"anschluss.phasen":   "3",
		"a.b.c":              "deep",
	})

	assert.Equal(t, "rot", expanded["farbe"])
	assert.Equal(t, map[string]any{"spannung": "230", "phasen": "3"}, expanded["anschluss"])
	assert.Equal(t, map[string]any{"b": map[string]any{"c": "deep"}}, expanded["a"])
}
