package ingestion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
)

var (
	// ErrRollbackNotAllowed is returned for jobs that are not completed or have nothing to undo.
	ErrRollbackNotAllowed = errors.New("import job cannot be rolled back")
	// ErrRollbackConflict is returned when an asset of the job was changed by a later job.
	ErrRollbackConflict = errors.New("assets changed since import")
)

// RollbackResult counts what a rollback touched.
type RollbackResult struct {
	JobID                 uuid.UUID `json:"job_id"`
	DeactivatedAssets     int       `json:"deactivated_assets"`
	RestoredAssets        int       `json:"restored_assets"`
	DeactivatedBuildings  int       `json:"deactivated_buildings"`
	DeactivatedProperties int       `json:"deactivated_properties"`
}

// Rollback reverts a completed job in a single transaction: created assets are
// soft-deleted, updated assets get their pre-image back, and created buildings
// and properties are deactivated once nothing active hangs below them.
func (s *Service) Rollback(ctx context.Context, tenantID, jobID uuid.UUID) (RollbackResult, error) {
	result := RollbackResult{JobID: jobID}
	log := logrus.WithFields(logrus.Fields{"job_id": jobID, "tenant_id": tenantID})

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		result = RollbackResult{JobID: jobID}
		job, err := tx.LockJob(ctx, tenantID, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusCompleted {
			return errors.Wrapf(ErrRollbackNotAllowed, "status %s", job.Status)
		}
		manifest := job.Manifest
		if manifest.IsEmpty() {
			return errors.Wrap(ErrRollbackNotAllowed, "nothing to roll back")
		}

		if err := checkOwnership(ctx, tx, tenantID, jobID, manifest); err != nil {
			return err
		}

		if len(manifest.CreatedAssetIDs) > 0 {
			created := uniqueIDs(manifest.CreatedAssetIDs)
			if err := tx.DeactivateAssets(ctx, created); err != nil {
				return errors.Wrap(err, "deactivate assets")
			}
			result.DeactivatedAssets = len(created)
		}

		if err := restoreAssets(ctx, tx, tenantID, manifest.UpdatedAssets); err != nil {
			return err
		}
		result.RestoredAssets = len(manifest.UpdatedAssets)

		for _, buildingID := range uniqueIDs(manifest.CreatedBuildingIDs) {
			active, err := tx.CountActiveAssets(ctx, buildingID)
			if err != nil {
				return errors.Wrap(err, "count building assets")
			}
			if active > 0 {
				continue
			}
			if err := tx.SetBuildingActive(ctx, buildingID, false); err != nil {
				return errors.Wrap(err, "deactivate building")
			}
			result.DeactivatedBuildings++
		}

		for _, propertyID := range uniqueIDs(manifest.CreatedPropertyIDs) {
			active, err := tx.CountActiveBuildings(ctx, propertyID)
			if err != nil {
				return errors.Wrap(err, "count property buildings")
			}
			if active > 0 {
				continue
			}
			if err := tx.SetPropertyActive(ctx, propertyID, false); err != nil {
				return errors.Wrap(err, "deactivate property")
			}
			result.DeactivatedProperties++
		}

		if err := tx.MarkJobRolledBack(ctx, jobID); err != nil {
			if errors.Is(err, repository.ErrJobStatusConflict) {
				return errors.Wrap(ErrRollbackNotAllowed, "job status changed")
			}
			return errors.Wrap(err, "mark job rolled back")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("rollback rejected")
		return RollbackResult{}, err
	}

	recordJob(domain.JobStatusRolledBack, time.Time{})
	log.WithFields(logrus.Fields{
		"deactivated_assets":     result.DeactivatedAssets,
		"restored_assets":        result.RestoredAssets,
		"deactivated_buildings":  result.DeactivatedBuildings,
		"deactivated_properties": result.DeactivatedProperties,
	}).Info("import job rolled back")
	return result, nil
}

// checkOwnership locks every asset of the manifest and fails if any of them
// is gone or was last written by another job.
func checkOwnership(ctx context.Context, tx repository.Tx, tenantID, jobID uuid.UUID, manifest *domain.RollbackManifest) error {
	ids := make([]uuid.UUID, 0, len(manifest.CreatedAssetIDs)+len(manifest.UpdatedAssets))
	ids = append(ids, manifest.CreatedAssetIDs...)
	for _, snapshot := range manifest.UpdatedAssets {
		ids = append(ids, snapshot.AssetID)
	}
	if len(ids) == 0 {
		return nil
	}

	assets, err := tx.GetAssetsForUpdate(ctx, tenantID, ids)
	if err != nil {
		return errors.Wrap(err, "lock assets")
	}
	byID := make(map[uuid.UUID]domain.Asset, len(assets))
	for _, asset := range assets {
		byID[asset.ID] = asset
	}
	for _, id := range ids {
		asset, ok := byID[id]
		if !ok {
			return errors.Wrapf(ErrRollbackConflict, "asset %s no longer exists", id)
		}
		if asset.LastJobID == nil || *asset.LastJobID != jobID {
			return errors.Wrapf(ErrRollbackConflict, "asset %s was modified by another import", id)
		}
	}
	return nil
}

func restoreAssets(ctx context.Context, tx repository.Tx, tenantID uuid.UUID, snapshots []domain.AssetSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(snapshots))
	for i, snapshot := range snapshots {
		ids[i] = snapshot.AssetID
	}
	assets, err := tx.GetAssetsForUpdate(ctx, tenantID, ids)
	if err != nil {
		return errors.Wrap(err, "load updated assets")
	}
	byID := make(map[uuid.UUID]domain.Asset, len(assets))
	for _, asset := range assets {
		byID[asset.ID] = asset
	}
	// Newest first, so an asset updated twice ends on its oldest pre-image.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snapshot := snapshots[i]
		asset, ok := byID[snapshot.AssetID]
		if !ok {
			return errors.Wrapf(ErrRollbackConflict, "asset %s no longer exists", snapshot.AssetID)
		}
		snapshot.Apply(&asset)
		restored, err := tx.UpdateAsset(ctx, asset)
		if err != nil {
			return errors.Wrap(err, "restore asset")
		}
		byID[restored.ID] = restored
	}
	return nil
}

// uniqueIDs drops repeated ids, keeping first-seen order.
func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
