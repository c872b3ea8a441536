package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/spreadsheet"
	"github.com/rpattn/assetimport/pkg/validator"
)

// internalErrorMessage is the only detail a row gets when processing fails for
// reasons unrelated to its content.
const internalErrorMessage = "Internal processing error"

const maxConflictRetries = 3

var assetStatuses = []string{
	domain.AssetStatusActive,
	domain.AssetStatusInactive,
	domain.AssetStatusMaintenance,
	domain.AssetStatusDefective,
	domain.AssetStatusDecommissioned,
}

// FieldValidator validates a row's attribute bag against a tenant classification.
type FieldValidator interface {
	ValidateFields(tenantID uuid.UUID, code string, values map[string]any) validator.Result
}

// RowProcessor turns one row into persisted entities.
type RowProcessor interface {
	ProcessRow(ctx context.Context, row domain.RowRecord, tenantID, jobID uuid.UUID) domain.RowOutcome
}

// rowFailure aborts a row transaction with errors that belong in the job report.
type rowFailure struct {
	errors []domain.RowError
}

func (f *rowFailure) Error() string {
	if len(f.errors) == 0 {
		return "row rejected"
	}
	return f.errors[0].Message
}

type buildingKey struct {
	propertyID uuid.UUID
	name       string
}

type propertyKey struct {
	tenantID uuid.UUID
	name     string
}

// Processor handles the rows of one worker unit. It caches resolved
// properties and buildings, so an instance must not be shared between goroutines.
type Processor struct {
	store          repository.Store
	fields         FieldValidator
	ids            IdentifierGenerator
	paths          *validator.PathManager
	updateExisting bool

	properties map[propertyKey]uuid.UUID
	buildings  map[buildingKey]uuid.UUID
}

// NewProcessor creates a processor with an empty cache.
func NewProcessor(store repository.Store, fields FieldValidator, ids IdentifierGenerator, updateExisting bool) *Processor {
	if ids == nil {
		ids = NewIdentifierGenerator()
	}
	return &Processor{
		store:          store,
		fields:         fields,
		ids:            ids,
		paths:          validator.NewPathManager(),
		updateExisting: updateExisting,
		properties:     map[propertyKey]uuid.UUID{},
		buildings:      map[buildingKey]uuid.UUID{},
	}
}

// resolved collects cache entries and created ids of one attempt; it is
// merged into the processor only after the transaction commits.
type resolved struct {
	properties map[propertyKey]uuid.UUID
	buildings  map[buildingKey]uuid.UUID
	created    domain.CreatedEntities
}

// ProcessRow runs the row in a single transaction. It never returns an error:
// every problem becomes a failed outcome for this row only.
func (p *Processor) ProcessRow(ctx context.Context, row domain.RowRecord, tenantID, jobID uuid.UUID) (outcome domain.RowOutcome) {
	log := logrus.WithFields(logrus.Fields{"job_id": jobID, "row": row.RowNumber})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("panic while processing row")
			outcome = domain.FailedOutcome(row, "", internalErrorMessage)
		}
	}()

	if errs := checkRow(row); len(errs) > 0 {
		return failed(row, errs)
	}
	status, condition, errs := rowStatusAndCondition(row)
	if len(errs) > 0 {
		return failed(row, errs)
	}
	attributes := p.paths.Expand(row.Attributes())

	var state resolved
	err := p.store.WithTx(ctx, func(tx repository.Tx) error {
		state = resolved{properties: map[propertyKey]uuid.UUID{}, buildings: map[buildingKey]uuid.UUID{}}
		propertyID, err := p.findOrCreateProperty(ctx, tx, tenantID, row.Value(domain.FieldProperty), &state)
		if err != nil {
			return err
		}
		buildingID, err := p.findOrCreateBuilding(ctx, tx, tenantID, propertyID, row.Value(domain.FieldBuilding), &state)
		if err != nil {
			return err
		}

		asset := domain.Asset{
			TenantID:           tenantID,
			BuildingID:         buildingID,
			Name:               row.Value(domain.FieldAssetName),
			ClassificationCode: row.Value(domain.FieldClassificationCode),
			Status:             status,
			Condition:          condition,
			Description:        row.Value(domain.FieldDescription),
			Attributes:         attributes,
			Metadata:           row.Metadata,
			Active:             true,
			LastJobID:          &jobID,
		}
		if key := row.Value(domain.FieldBusinessKey); key != "" {
			asset.BusinessKey = &key
		}
		outcome, err = p.writeAsset(ctx, tx, row, asset, &state)
		return err
	})
	if err != nil {
		var rejected *rowFailure
		if errors.As(err, &rejected) {
			return failed(row, rejected.errors)
		}
		log.WithError(err).Warn("row transaction failed")
		return domain.FailedOutcome(row, "", internalErrorMessage)
	}

	for k, id := range state.properties {
		p.properties[k] = id
	}
	for k, id := range state.buildings {
		p.buildings[k] = id
	}
	outcome.RowNumber = row.RowNumber
	outcome.Created = state.created
	return outcome
}

// writeAsset performs the duplicate check, the classification check and the
// final create or update. Creates that collide with a concurrent writer are
// retried from the duplicate check.
func (p *Processor) writeAsset(ctx context.Context, tx repository.Tx, row domain.RowRecord, asset domain.Asset, state *resolved) (domain.RowOutcome, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if asset.BusinessKey != nil {
			existing, err := tx.FindActiveAssetByBusinessKey(ctx, asset.TenantID, *asset.BusinessKey)
			switch {
			case err == nil:
				if !p.updateExisting {
					return domain.RowOutcome{}, reject(row, domain.FieldBusinessKey, fmt.Sprintf("Duplicate business key: %s", *asset.BusinessKey))
				}
				return p.updateAsset(ctx, tx, row, existing, asset)
			case !errors.Is(err, repository.ErrNotFound):
				return domain.RowOutcome{}, errors.Wrap(err, "find asset by business key")
			}
		}

		if err := p.validateAttributes(row, asset); err != nil {
			return domain.RowOutcome{}, err
		}
		scanCode, err := p.ids.NewScanCode()
		if err != nil {
			return domain.RowOutcome{}, err
		}
		asset.ScanCode = scanCode
		created, err := tx.CreateAsset(ctx, asset)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.RowOutcome{}, errors.Wrap(err, "create asset")
		}
		id := created.ID
		state.created.AssetID = &id
		return domain.RowOutcome{Status: domain.OutcomeCreated, AssetID: id}, nil
	}
	return domain.RowOutcome{}, errors.Wrap(repository.ErrConflict, "create asset: retries exhausted")
}

func (p *Processor) updateAsset(ctx context.Context, tx repository.Tx, row domain.RowRecord, existing, incoming domain.Asset) (domain.RowOutcome, error) {
	if err := p.validateAttributes(row, incoming); err != nil {
		return domain.RowOutcome{}, err
	}
	preImage := existing.Snapshot()

	next := existing.Clone()
	next.BuildingID = incoming.BuildingID
	next.Name = incoming.Name
	next.ClassificationCode = incoming.ClassificationCode
	next.Status = incoming.Status
	next.Condition = incoming.Condition
	next.Description = incoming.Description
	next.Attributes = incoming.Attributes
	next.Metadata = incoming.Metadata
	next.LastJobID = incoming.LastJobID
	if _, err := tx.UpdateAsset(ctx, next); err != nil {
		return domain.RowOutcome{}, errors.Wrap(err, "update asset")
	}
	return domain.RowOutcome{Status: domain.OutcomeUpdated, AssetID: existing.ID, PreImage: &preImage}, nil
}

func (p *Processor) validateAttributes(row domain.RowRecord, asset domain.Asset) error {
	result := p.fields.ValidateFields(asset.TenantID, asset.ClassificationCode, asset.Attributes)
	if result.IsValid {
		return nil
	}
	snapshot := row.Snapshot()
	var errs []domain.RowError
	if len(result.FieldErrors) == 0 {
		for _, message := range result.Errors {
			errs = append(errs, domain.RowError{Row: row.RowNumber, Field: domain.FieldClassificationCode, Message: message, Data: snapshot})
		}
		return &rowFailure{errors: errs}
	}
	fields := make([]string, 0, len(result.FieldErrors))
	for field := range result.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		for _, message := range result.FieldErrors[field] {
			errs = append(errs, domain.RowError{Row: row.RowNumber, Field: field, Message: message, Data: snapshot})
		}
	}
	return &rowFailure{errors: errs}
}

func (p *Processor) findOrCreateProperty(ctx context.Context, tx repository.Tx, tenantID uuid.UUID, name string, state *resolved) (uuid.UUID, error) {
	key := propertyKey{tenantID: tenantID, name: name}
	if id, ok := p.properties[key]; ok {
		return id, nil
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		existing, err := tx.FindProperty(ctx, tenantID, name)
		if err == nil {
			if !existing.Active {
				// A property left behind by a rolled back import is revived and
				// owned by this job from now on.
				if err := tx.SetPropertyActive(ctx, existing.ID, true); err != nil {
					return uuid.Nil, errors.Wrap(err, "reactivate property")
				}
				id := existing.ID
				state.created.PropertyID = &id
			}
			state.properties[key] = existing.ID
			return existing.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, errors.Wrap(err, "find property")
		}

		created, err := tx.CreateProperty(ctx, domain.Property{TenantID: tenantID, Name: name, Active: true})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "create property")
		}
		id := created.ID
		state.created.PropertyID = &id
		state.properties[key] = id
		return id, nil
	}
	return uuid.Nil, errors.Wrapf(repository.ErrConflict, "property %q: retries exhausted", name)
}

func (p *Processor) findOrCreateBuilding(ctx context.Context, tx repository.Tx, tenantID, propertyID uuid.UUID, name string, state *resolved) (uuid.UUID, error) {
	key := buildingKey{propertyID: propertyID, name: name}
	if id, ok := p.buildings[key]; ok {
		return id, nil
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		existing, err := tx.FindBuilding(ctx, propertyID, name)
		if err == nil {
			if !existing.Active {
				if err := tx.SetBuildingActive(ctx, existing.ID, true); err != nil {
					return uuid.Nil, errors.Wrap(err, "reactivate building")
				}
				id := existing.ID
				state.created.BuildingID = &id
			}
			state.buildings[key] = existing.ID
			return existing.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, errors.Wrap(err, "find building")
		}

		created, err := tx.CreateBuilding(ctx, domain.Building{TenantID: tenantID, PropertyID: propertyID, Name: name, Active: true})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return uuid.Nil, errors.Wrap(err, "create building")
		}
		id := created.ID
		state.created.BuildingID = &id
		state.buildings[key] = id
		return id, nil
	}
	return uuid.Nil, errors.Wrapf(repository.ErrConflict, "building %q: retries exhausted", name)
}

func checkRow(row domain.RowRecord) []domain.RowError {
	var errs []domain.RowError
	for _, field := range domain.RequiredFields {
		if row.Value(field) == "" {
			errs = append(errs, domain.RowError{
				Row:     row.RowNumber,
				Field:   field,
				Message: fmt.Sprintf("Required field missing: %s", field),
				Data:    row.Snapshot(),
			})
		}
	}
	return errs
}

// rowStatusAndCondition re-applies the parser normalization, which is
// idempotent, so rows built elsewhere are held to the same rules.
func rowStatusAndCondition(row domain.RowRecord) (string, *int, []domain.RowError) {
	var errs []domain.RowError
	status := domain.AssetStatusActive
	if raw := row.Value(domain.FieldStatus); raw != "" {
		normalized, ok := spreadsheet.NormalizeStatus(raw)
		if !ok {
			errs = append(errs, domain.RowError{
				Row:     row.RowNumber,
				Field:   domain.FieldStatus,
				Message: fmt.Sprintf("Field status must be one of: %s", strings.Join(assetStatuses, ", ")),
				Data:    row.Snapshot(),
			})
		} else {
			status = normalized
		}
	}

	var condition *int
	if raw := row.Value(domain.FieldCondition); raw != "" {
		score, _, err := spreadsheet.ClampCondition(raw)
		if err != nil {
			errs = append(errs, domain.RowError{
				Row:     row.RowNumber,
				Field:   domain.FieldCondition,
				Message: "Field condition must be a number",
				Data:    row.Snapshot(),
			})
		} else {
			condition = &score
		}
	}
	return status, condition, errs
}

func reject(row domain.RowRecord, field, message string) error {
	return &rowFailure{errors: domain.FailedOutcome(row, field, message).Errors}
}

func failed(row domain.RowRecord, errs []domain.RowError) domain.RowOutcome {
	return domain.RowOutcome{RowNumber: row.RowNumber, Status: domain.OutcomeFailed, Errors: errs}
}
