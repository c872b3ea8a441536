package domain

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Logical fields a column mapping may bind to a header.
const (
	FieldProperty           = "property"
	FieldBuilding           = "building"
	FieldAssetName          = "asset_name"
	FieldClassificationCode = "classification_code"
	FieldBusinessKey        = "business_key"
	FieldStatus             = "status"
	FieldCondition          = "condition"
	FieldDescription        = "description"
)

// RequiredFields must be present in every mapping and non-empty in every row.
var RequiredFields = []string{FieldProperty, FieldBuilding, FieldAssetName, FieldClassificationCode}

var coreFields = map[string]struct{}{
	FieldProperty:           {},
	FieldBuilding:           {},
	FieldAssetName:          {},
	FieldClassificationCode: {},
	FieldBusinessKey:        {},
	FieldStatus:             {},
	FieldCondition:          {},
	FieldDescription:        {},
}

// IsCoreField reports whether the logical field is stored in a dedicated asset column.
func IsCoreField(field string) bool {
	_, ok := coreFields[field]
	return ok
}

// ColumnMapping maps a logical field name to the header text used in the uploaded file.
type ColumnMapping map[string]string

// Clone returns an independent copy.
func (m ColumnMapping) Clone() ColumnMapping {
	if m == nil {
		return ColumnMapping{}
	}
	out := make(ColumnMapping, len(m))
	for field, header := range m {
		out[field] = header
	}
	return out
}

// Fields returns the mapped logical fields in a stable order.
func (m ColumnMapping) Fields() []string {
	fields := make([]string, 0, len(m))
	for field := range m {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// RowRecord is one data row of the uploaded sheet.
type RowRecord struct {
	// RowNumber is the 1-based sheet row; the header occupies row 1.
	RowNumber int               `json:"row_number"`
	Fields    map[string]string `json:"fields"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Value returns the trimmed value of a mapped logical field.
func (r RowRecord) Value(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// Snapshot flattens the row for error reports.
func (r RowRecord) Snapshot() map[string]string {
	out := make(map[string]string, len(r.Fields)+len(r.Metadata))
	for key, value := range r.Metadata {
		out[key] = value
	}
	for key, value := range r.Fields {
		out[key] = value
	}
	return out
}

// Attributes returns the classification field bag: unmapped metadata plus every
// mapped field that is not stored in a dedicated column.
func (r RowRecord) Attributes() map[string]string {
	out := make(map[string]string, len(r.Metadata))
	for key, value := range r.Metadata {
		out[key] = value
	}
	for key, value := range r.Fields {
		if !IsCoreField(key) {
			out[key] = value
		}
	}
	return out
}

// OutcomeStatus is the result kind of a single row.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeUpdated OutcomeStatus = "updated"
	OutcomeFailed  OutcomeStatus = "failed"
)

// RowOutcome is what processing a single row produced.
type RowOutcome struct {
	RowNumber int
	Status    OutcomeStatus
	AssetID   uuid.UUID
	Errors    []RowError
	Created   CreatedEntities
	PreImage  *AssetSnapshot
}

// Succeeded reports whether the row produced a created or updated asset.
func (o RowOutcome) Succeeded() bool {
	return o.Status == OutcomeCreated || o.Status == OutcomeUpdated
}

// FailedOutcome builds a failure for row with a single message.
func FailedOutcome(row RowRecord, field, message string) RowOutcome {
	return RowOutcome{
		RowNumber: row.RowNumber,
		Status:    OutcomeFailed,
		Errors: []RowError{{
			Row:     row.RowNumber,
			Field:   field,
			Message: message,
			Data:    row.Snapshot(),
		}},
	}
}
