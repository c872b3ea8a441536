package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/assetimport/pkg/validator"
)

// Classification is a tenant-scoped code describing the attribute schema of an asset category.
// The same code may denote different schemas for different tenants.
type Classification struct {
	ID         uuid.UUID             `json:"id" yaml:"-"`
	TenantID   uuid.UUID             `json:"tenant_id" yaml:"-"`
	Code       string                `json:"code" yaml:"code"`
	ParentCode *string               `json:"parent_code,omitempty" yaml:"parent,omitempty"`
	Name       string                `json:"name" yaml:"name"`
	Schema     validator.FieldSchema `json:"schema" yaml:"schema"`
	CreatedAt  time.Time             `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time             `json:"updated_at" yaml:"-"`
}
