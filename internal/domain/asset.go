package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Asset status values after synonym normalization.
const (
	AssetStatusActive         = "active"
	AssetStatusInactive       = "inactive"
	AssetStatusMaintenance    = "maintenance"
	AssetStatusDefective      = "defective"
	AssetStatusDecommissioned = "decommissioned"
)

// Condition scores are clamped into this range.
const (
	MinCondition = 1
	MaxCondition = 5
)

// Property is the top level of the location hierarchy.
type Property struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Building belongs to exactly one property.
type Building struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	PropertyID uuid.UUID `json:"property_id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Asset is a piece of tracked equipment inside a building.
type Asset struct {
	ID                 uuid.UUID         `json:"id"`
	TenantID           uuid.UUID         `json:"tenant_id"`
	BuildingID         uuid.UUID         `json:"building_id"`
	Name               string            `json:"name"`
	ClassificationCode string            `json:"classification_code"`
	ScanCode           string            `json:"scan_code"`
	BusinessKey        *string           `json:"business_key,omitempty"`
	Status             string            `json:"status"`
	Condition          *int              `json:"condition,omitempty"`
	Description        string            `json:"description,omitempty"`
	Attributes         map[string]any    `json:"attributes"`
	Metadata           map[string]string `json:"metadata"`
	Active             bool              `json:"active"`
	LastJobID          *uuid.UUID        `json:"last_job_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the asset's bags and pointers.
func (a Asset) Clone() Asset {
	out := a
	out.Attributes = cloneAnyMap(a.Attributes)
	out.Metadata = cloneStringMap(a.Metadata)
	if a.BusinessKey != nil {
		key := *a.BusinessKey
		out.BusinessKey = &key
	}
	if a.Condition != nil {
		condition := *a.Condition
		out.Condition = &condition
	}
	if a.LastJobID != nil {
		jobID := *a.LastJobID
		out.LastJobID = &jobID
	}
	return out
}

// Snapshot captures the mutable columns of an asset so an update can be reverted.
func (a Asset) Snapshot() AssetSnapshot {
	snapshot := AssetSnapshot{
		AssetID:            a.ID,
		BuildingID:         a.BuildingID,
		Name:               a.Name,
		ClassificationCode: a.ClassificationCode,
		Status:             a.Status,
		Description:        a.Description,
		Attributes:         cloneAnyMap(a.Attributes),
		Metadata:           cloneStringMap(a.Metadata),
		LastJobID:          a.LastJobID,
	}
	if a.Condition != nil {
		condition := *a.Condition
		snapshot.Condition = &condition
	}
	return snapshot
}

// AssetSnapshot is the pre-image of an asset that an import updated.
type AssetSnapshot struct {
	AssetID            uuid.UUID         `json:"asset_id"`
	BuildingID         uuid.UUID         `json:"building_id"`
	Name               string            `json:"name"`
	ClassificationCode string            `json:"classification_code"`
	Status             string            `json:"status"`
	Condition          *int              `json:"condition,omitempty"`
	Description        string            `json:"description,omitempty"`
	Attributes         map[string]any    `json:"attributes"`
	Metadata           map[string]string `json:"metadata"`
	LastJobID          *uuid.UUID        `json:"last_job_id,omitempty"`
}

// Apply writes the snapshot values back onto the asset.
func (s AssetSnapshot) Apply(asset *Asset) {
	asset.BuildingID = s.BuildingID
	asset.Name = s.Name
	asset.ClassificationCode = s.ClassificationCode
	asset.Status = s.Status
	asset.Condition = s.Condition
	asset.Description = s.Description
	asset.Attributes = cloneAnyMap(s.Attributes)
	asset.Metadata = cloneStringMap(s.Metadata)
	asset.LastJobID = s.LastJobID
}

// CreatedEntities lists the ids a single row created.
type CreatedEntities struct {
	PropertyID *uuid.UUID
	BuildingID *uuid.UUID
	AssetID    *uuid.UUID
}

// RollbackManifest records every entity a job created plus pre-images of the assets it updated.
type RollbackManifest struct {
	CreatedPropertyIDs []uuid.UUID     `json:"created_property_ids"`
	CreatedBuildingIDs []uuid.UUID     `json:"created_building_ids"`
	CreatedAssetIDs    []uuid.UUID     `json:"created_asset_ids"`
	UpdatedAssets      []AssetSnapshot `json:"updated_assets"`
}

// NewRollbackManifest returns an empty manifest with non-nil slices.
func NewRollbackManifest() *RollbackManifest {
	return &RollbackManifest{
		CreatedPropertyIDs: []uuid.UUID{},
		CreatedBuildingIDs: []uuid.UUID{},
		CreatedAssetIDs:    []uuid.UUID{},
		UpdatedAssets:      []AssetSnapshot{},
	}
}

// IsEmpty reports whether there is nothing to roll back.
func (m *RollbackManifest) IsEmpty() bool {
	if m == nil {
		return true
	}
	return len(m.CreatedPropertyIDs) == 0 &&
		len(m.CreatedBuildingIDs) == 0 &&
		len(m.CreatedAssetIDs) == 0 &&
		len(m.UpdatedAssets) == 0
}

// Record adds the bookkeeping of one successful row.
func (m *RollbackManifest) Record(outcome RowOutcome) {
	if m == nil || !outcome.Succeeded() {
		return
	}
	if id := outcome.Created.PropertyID; id != nil {
		m.CreatedPropertyIDs = appendUnique(m.CreatedPropertyIDs, *id)
	}
	if id := outcome.Created.BuildingID; id != nil {
		m.CreatedBuildingIDs = appendUnique(m.CreatedBuildingIDs, *id)
	}
	if id := outcome.Created.AssetID; id != nil {
		m.CreatedAssetIDs = append(m.CreatedAssetIDs, *id)
	}
	if outcome.PreImage != nil {
		m.UpdatedAssets = append(m.UpdatedAssets, *outcome.PreImage)
	}
}

// appendUnique adds id once. Two rows reviving the same inactive property or
// building both report it as created.
func appendUnique(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

// ToJSON marshals the manifest for JSONB storage. A nil manifest marshals to nil.
func (m *RollbackManifest) ToJSON() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// RollbackManifestFromJSON unmarshals a persisted manifest; empty input yields nil.
func RollbackManifestFromJSON(data []byte) (*RollbackManifest, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	manifest := NewRollbackManifest()
	if err := json.Unmarshal(data, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if nested, ok := value.(map[string]any); ok {
			out[key] = cloneAnyMap(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
