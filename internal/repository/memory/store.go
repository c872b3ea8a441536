// Package memory provides an in-process repository.Store used by tests and
// the single-binary development mode. Transactions are serialized and undone
// on error, which mirrors the all-or-nothing row semantics of the Postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/repository"
)

type jobRecord struct {
	job     domain.ImportJob
	payload []byte
}

type classificationKey struct {
	tenantID uuid.UUID
	code     string
}

// Store keeps every table in maps guarded by one lock.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	properties      map[uuid.UUID]domain.Property
	buildings       map[uuid.UUID]domain.Building
	assets          map[uuid.UUID]domain.Asset
	jobs            map[uuid.UUID]*jobRecord
	classifications map[classificationKey]domain.Classification

	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		properties:      map[uuid.UUID]domain.Property{},
		buildings:       map[uuid.UUID]domain.Building{},
		assets:          map[uuid.UUID]domain.Asset{},
		jobs:            map[uuid.UUID]*jobRecord{},
		classifications: map[classificationKey]domain.Classification{},
		now:             time.Now,
	}
}

// WithTx runs fn with exclusive access to the store and reverts its writes
// if fn returns an error or panics.
func (s *Store) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{store: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) Jobs() repository.JobRepository {
	return &jobRepository{store: s}
}

func (s *Store) Classifications() repository.ClassificationRepository {
	return &classificationRepository{store: s}
}

// Properties returns every property sorted by name.
func (s *Store) Properties() []domain.Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Property, 0, len(s.properties))
	for _, p := range s.properties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Buildings returns every building sorted by name.
func (s *Store) Buildings() []domain.Building {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Building, 0, len(s.buildings))
	for _, b := range s.buildings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Assets returns copies of every asset sorted by name.
func (s *Store) Assets() []domain.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ScanCode < out[j].ScanCode
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Asset returns a copy of one asset.
func (s *Store) Asset(id uuid.UUID) (domain.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a.Clone(), ok
}

// SeedProperty inserts a committed property outside any transaction.
func (s *Store) SeedProperty(p domain.Property) domain.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt, p.UpdatedAt = s.now(), s.now()
	s.properties[p.ID] = p
	return p
}

// SeedBuilding inserts a committed building outside any transaction.
func (s *Store) SeedBuilding(b domain.Building) domain.Building {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt, b.UpdatedAt = s.now(), s.now()
	s.buildings[b.ID] = b
	return b
}

// SeedAsset inserts a committed asset outside any transaction.
func (s *Store) SeedAsset(a domain.Asset) domain.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt, a.UpdatedAt = s.now(), s.now()
	s.assets[a.ID] = a.Clone()
	return a
}

type memTx struct {
	store *Store
	undo  []func()
}

func (t *memTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// record must be called with store.mu held.
func (t *memTx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) FindProperty(ctx context.Context, tenantID uuid.UUID, name string) (domain.Property, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, p := range t.store.properties {
		if p.TenantID == tenantID && p.Name == name {
			return p, nil
		}
	}
	return domain.Property{}, repository.ErrNotFound
}

func (t *memTx) CreateProperty(ctx context.Context, property domain.Property) (domain.Property, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.properties {
		if p.TenantID == property.TenantID && p.Name == property.Name {
			return domain.Property{}, repository.ErrConflict
		}
	}
	if property.ID == uuid.Nil {
		property.ID = uuid.New()
	}
	property.Active = true
	property.CreatedAt, property.UpdatedAt = s.now(), s.now()
	s.properties[property.ID] = property
	id := property.ID
	t.record(func() { delete(s.properties, id) })
	return property, nil
}

func (t *memTx) SetPropertyActive(ctx context.Context, id uuid.UUID, active bool) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return repository.ErrNotFound
	}
	previous := p
	p.Active = active
	p.UpdatedAt = s.now()
	s.properties[id] = p
	t.record(func() { s.properties[id] = previous })
	return nil
}

func (t *memTx) CountActiveBuildings(ctx context.Context, propertyID uuid.UUID) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	count := 0
	for _, b := range t.store.buildings {
		if b.PropertyID == propertyID && b.Active {
			count++
		}
	}
	return count, nil
}

func (t *memTx) FindBuilding(ctx context.Context, propertyID uuid.UUID, name string) (domain.Building, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, b := range t.store.buildings {
		if b.PropertyID == propertyID && b.Name == name {
			return b, nil
		}
	}
	return domain.Building{}, repository.ErrNotFound
}

func (t *memTx) CreateBuilding(ctx context.Context, building domain.Building) (domain.Building, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[building.PropertyID]; !ok {
		return domain.Building{}, repository.ErrNotFound
	}
	for _, b := range s.buildings {
		if b.PropertyID == building.PropertyID && b.Name == building.Name {
			return domain.Building{}, repository.ErrConflict
		}
	}
	if building.ID == uuid.Nil {
		building.ID = uuid.New()
	}
	building.Active = true
	building.CreatedAt, building.UpdatedAt = s.now(), s.now()
	s.buildings[building.ID] = building
	id := building.ID
	t.record(func() { delete(s.buildings, id) })
	return building, nil
}

func (t *memTx) SetBuildingActive(ctx context.Context, id uuid.UUID, active bool) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buildings[id]
	if !ok {
		return repository.ErrNotFound
	}
	previous := b
	b.Active = active
	b.UpdatedAt = s.now()
	s.buildings[id] = b
	t.record(func() { s.buildings[id] = previous })
	return nil
}

func (t *memTx) CountActiveAssets(ctx context.Context, buildingID uuid.UUID) (int, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	count := 0
	for _, a := range t.store.assets {
		if a.BuildingID == buildingID && a.Active {
			count++
		}
	}
	return count, nil
}

func (t *memTx) FindActiveAssetByBusinessKey(ctx context.Context, tenantID uuid.UUID, businessKey string) (domain.Asset, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, a := range t.store.assets {
		if a.TenantID == tenantID && a.Active && a.BusinessKey != nil && *a.BusinessKey == businessKey {
			return a.Clone(), nil
		}
	}
	return domain.Asset{}, repository.ErrNotFound
}

func (t *memTx) GetAssetsForUpdate(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.Asset, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	out := make([]domain.Asset, 0, len(ids))
	for _, id := range ids {
		if a, ok := t.store.assets[id]; ok && a.TenantID == tenantID {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

// assetConflicts must be called with mu held.
func (s *Store) assetConflicts(asset domain.Asset) bool {
	for id, existing := range s.assets {
		if id == asset.ID {
			continue
		}
		if asset.ScanCode != "" && existing.ScanCode == asset.ScanCode {
			return true
		}
		if asset.Active && existing.Active && existing.TenantID == asset.TenantID &&
			asset.BusinessKey != nil && existing.BusinessKey != nil && *asset.BusinessKey == *existing.BusinessKey {
			return true
		}
	}
	return false
}

func (t *memTx) CreateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buildings[asset.BuildingID]; !ok {
		return domain.Asset{}, repository.ErrNotFound
	}
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	asset.Active = true
	if s.assetConflicts(asset) {
		return domain.Asset{}, repository.ErrConflict
	}
	if asset.Attributes == nil {
		asset.Attributes = map[string]any{}
	}
	if asset.Metadata == nil {
		asset.Metadata = map[string]string{}
	}
	asset.CreatedAt, asset.UpdatedAt = s.now(), s.now()
	s.assets[asset.ID] = asset.Clone()
	id := asset.ID
	t.record(func() { delete(s.assets, id) })
	return asset, nil
}

func (t *memTx) UpdateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.assets[asset.ID]
	if !ok {
		return domain.Asset{}, repository.ErrNotFound
	}
	if s.assetConflicts(asset) {
		return domain.Asset{}, repository.ErrConflict
	}
	asset.TenantID = previous.TenantID
	asset.ScanCode = previous.ScanCode
	asset.BusinessKey = previous.BusinessKey
	asset.CreatedAt = previous.CreatedAt
	asset.UpdatedAt = s.now()
	s.assets[asset.ID] = asset.Clone()
	t.record(func() { s.assets[previous.ID] = previous })
	return asset, nil
}

func (t *memTx) DeactivateAssets(ctx context.Context, ids []uuid.UUID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		a, ok := s.assets[id]
		if !ok {
			continue
		}
		previous := a
		a.Active = false
		a.UpdatedAt = s.now()
		s.assets[id] = a
		t.record(func() { s.assets[previous.ID] = previous })
	}
	return nil
}

func (t *memTx) LockJob(ctx context.Context, tenantID, jobID uuid.UUID) (domain.ImportJob, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	record, ok := t.store.jobs[jobID]
	if !ok || record.job.TenantID != tenantID {
		return domain.ImportJob{}, repository.ErrNotFound
	}
	return record.job.Clone(), nil
}

func (t *memTx) MarkJobRolledBack(ctx context.Context, jobID uuid.UUID) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	if !record.job.Status.CanTransitionTo(domain.JobStatusRolledBack) {
		return repository.ErrJobStatusConflict
	}
	previous := record.job.Clone()
	record.job.Status = domain.JobStatusRolledBack
	record.job.UpdatedAt = s.now()
	t.record(func() { record.job = previous })
	return nil
}

type classificationRepository struct {
	store *Store
}

func (r *classificationRepository) Upsert(ctx context.Context, classification domain.Classification) (domain.Classification, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	classification.Code = strings.TrimSpace(classification.Code)
	key := classificationKey{tenantID: classification.TenantID, code: classification.Code}
	now := s.now()
	if existing, ok := s.classifications[key]; ok {
		classification.ID = existing.ID
		classification.CreatedAt = existing.CreatedAt
	} else {
		if classification.ID == uuid.Nil {
			classification.ID = uuid.New()
		}
		classification.CreatedAt = now
	}
	classification.UpdatedAt = now
	s.classifications[key] = classification
	return classification, nil
}

func (r *classificationRepository) List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Classification, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Classification, 0, len(s.classifications))
	for key, c := range s.classifications {
		if tenantID != nil && key.tenantID != *tenantID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID.String() < out[j].TenantID.String()
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}
