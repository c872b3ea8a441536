package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/assetimport/internal/classification"
	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/queue"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/repository/memory"
	"github.com/rpattn/assetimport/internal/spreadsheet"
	"github.com/rpattn/assetimport/pkg/validator"
)

const csvHeader = "Liegenschaft,Gebäude,Bezeichnung,Klasse,Schlüssel,Status,hersteller,typ,baujahr,leistung"

func csvFile(rows ...string) []byte {
	return []byte(csvHeader + "\n" + strings.Join(rows, "\n") + "\n")
}

func importMapping() domain.ColumnMapping {
	return domain.ColumnMapping{
		domain.FieldProperty:           "Liegenschaft",
		domain.FieldBuilding:           "Gebäude",
		domain.FieldAssetName:          "Bezeichnung",
		domain.FieldClassificationCode: "Klasse",
		domain.FieldBusinessKey:        "Schlüssel",
		domain.FieldStatus:             "Status",
	}
}

type fixture struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	store    *memory.Store
	queue    *queue.MemoryQueue
	registry *classification.Registry
	service  *Service
}

func seedRegistry(t *testing.T, store *memory.Store, tenantID uuid.UUID) *classification.Registry {
	t.Helper()
	b, err := os.ReadFile("../classification/testdata/heating.yaml")
	require.NoError(t, err)
	registry := classification.NewRegistry(store.Classifications())
	_, err = registry.LoadYAML(context.Background(), tenantID, b)
	require.NoError(t, err)
	return registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		tenantID: uuid.New(),
		userID:   uuid.New(),
		store:    memory.NewStore(),
		queue:    queue.NewMemoryQueue(),
	}
	f.registry = seedRegistry(t, f.store, f.tenantID)
	opts = append([]Option{WithProgressInterval(0), WithSubmitRetry(3, time.Millisecond)}, opts...)
	f.service = NewService(f.store, f.queue, spreadsheet.NewParser(spreadsheet.DefaultConfig()), f.registry, opts...)
	return f
}

func (f *fixture) submit(t *testing.T, data []byte, options domain.ImportOptions) domain.ImportJob {
	t.Helper()
	job, err := f.service.Submit(context.Background(), SubmitRequest{
		TenantID: f.tenantID,
		UserID:   f.userID,
		FileName: "anlagen.csv",
		Mapping:  importMapping(),
		Options:  options,
		Data:     data,
	})
	require.NoError(t, err)
	return job
}

// processNext runs the next queued job and returns its final state.
func (f *fixture) processNext(t *testing.T) domain.ImportJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jobID, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.service.Process(context.Background(), jobID))
	job, err := f.service.Get(context.Background(), f.tenantID, jobID)
	require.NoError(t, err)
	return job
}

func (f *fixture) run(t *testing.T, data []byte, options domain.ImportOptions) domain.ImportJob {
	t.Helper()
	f.submit(t, data, options)
	return f.processNext(t)
}

func activeAssets(store *memory.Store) []domain.Asset {
	var out []domain.Asset
	for _, asset := range store.Assets() {
		if asset.Active {
			out = append(out, asset)
		}
	}
	return out
}

func TestImportValidRowsCompletes(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, csvFile(
		"Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24",
		"Campus Nord,Haus A,Kessel 2,HZ001,K2,,Buderus,Öl,2001,30",
		"Campus Nord,Haus B,Wärmepumpe 1,HZ001,,Wartung,Vaillant,Wärmepumpe,2020,12",
	), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.Equal(t, 3, job.ProcessedRows)
	assert.Equal(t, 3, job.SuccessfulRows)
	assert.Zero(t, job.FailedRows)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Errors)
	assert.Nil(t, job.ErrorMessage)

	require.NotNil(t, job.Manifest)
	assert.Len(t, job.Manifest.CreatedPropertyIDs, 1)
	assert.Len(t, job.Manifest.CreatedBuildingIDs, 2)
	assert.Len(t, job.Manifest.CreatedAssetIDs, 3)

	assets := f.store.Assets()
	require.Len(t, assets, 3)
	for _, asset := range assets {
		assert.True(t, strings.HasPrefix(asset.ScanCode, ScanCodePrefix))
		assert.Equal(t, job.ID, *asset.LastJobID)
		assert.Equal(t, "HZ001", asset.ClassificationCode)
	}
	assert.Equal(t, domain.AssetStatusMaintenance, assets[2].Status)
	assert.Equal(t, "Vaillant", assets[2].Attributes["hersteller"])
}

func TestImportMissingParentRequiredField(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,,Gas,2015,24"), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.FailedRows)
	assert.Zero(t, job.SuccessfulRows)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 2, job.Errors[0].Row)
	assert.Equal(t, "hersteller", job.Errors[0].Field)
	assert.Equal(t, "Required field missing: hersteller", job.Errors[0].Message)
	assert.Equal(t, "Kessel 1", job.Errors[0].Data[domain.FieldAssetName])
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "No rows were imported", *job.ErrorMessage)
	assert.Empty(t, f.store.Assets())
	assert.Empty(t, f.store.Properties(), "failed row must not leave a property behind")
}

func TestImportRangeViolation(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, csvFile(
		"Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,1850,24",
		"Campus Nord,Haus A,Kessel 2,HZ001,K2,aktiv,Viessmann,Gas,2015,24",
	), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.SuccessfulRows)
	assert.Equal(t, 1, job.FailedRows)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, "baujahr", job.Errors[0].Field)
	assert.Equal(t, "Field baujahr must be between 1990 and 2030", job.Errors[0].Message)
}

func TestImportManyRowsConcurrentlyKeepsRowOrder(t *testing.T) {
	f := newFixture(t, WithConcurrency(10), WithProgressEvery(3))
	rows := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		baujahr := "2015"
		if i%7 == 0 {
			baujahr = "1850"
		}
		rows = append(rows, fmt.Sprintf("Campus Nord,Haus %d,Anlage %d,HZ001,K%d,aktiv,Viessmann,Gas,%s,24", i%4, i, i, baujahr))
	}
	job := f.run(t, csvFile(rows...), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.TotalRows)
	assert.Equal(t, job.SuccessfulRows+job.FailedRows, job.ProcessedRows)
	assert.Equal(t, 100, job.ProcessedRows)
	assert.Equal(t, 15, job.FailedRows)
	assert.True(t, sort.SliceIsSorted(job.Errors, func(i, j int) bool { return job.Errors[i].Row < job.Errors[j].Row }))
	assert.Equal(t, 2, job.Errors[0].Row)

	assert.Len(t, f.store.Buildings(), 4)
	assert.Len(t, f.store.Properties(), 1)
	assert.Len(t, job.Manifest.CreatedBuildingIDs, 4)
}

func TestImportDuplicateBusinessKeyInFile(t *testing.T) {
	f := newFixture(t, WithConcurrency(4))
	job := f.run(t, csvFile(
		"Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24",
		"Campus Nord,Haus A,Kessel 2,HZ001,K2,aktiv,Viessmann,Gas,2015,24",
		"Campus Nord,Haus A,Kessel 1b,HZ001,K1,aktiv,Viessmann,Gas,2016,24",
	), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.SuccessfulRows)
	require.Len(t, job.Errors, 1)
	assert.Equal(t, 4, job.Errors[0].Row)
	assert.Equal(t, "Duplicate business key K1 (first seen in row 2)", job.Errors[0].Message)
	assert.Len(t, f.store.Assets(), 2)
}

func TestResubmitWithoutUpdateModeRejectsRows(t *testing.T) {
	f := newFixture(t)
	data := csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24")
	first := f.run(t, data, domain.ImportOptions{})
	require.Equal(t, domain.JobStatusCompleted, first.Status)

	second := f.run(t, data, domain.ImportOptions{})
	assert.Equal(t, domain.JobStatusFailed, second.Status)
	require.Len(t, second.Errors, 1)
	assert.Equal(t, "Duplicate business key: K1", second.Errors[0].Message)
	assert.Len(t, f.store.Assets(), 1)
}

func TestUpdateModeRecordsPreImageAndRollbackRestoresIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})
	require.Equal(t, domain.JobStatusCompleted, first.Status)

	second := f.run(t, csvFile(
		"Campus Nord,Haus A,Kessel 1 neu,HZ001,K1,defekt,Viessmann,Öl,2016,28",
		"Campus Nord,Haus A,Kessel 1 neuer,HZ001,K1,defekt,Viessmann,Wärmepumpe,2017,30",
	), domain.ImportOptions{UpdateExisting: true})
	require.Equal(t, domain.JobStatusCompleted, second.Status)
	assert.Equal(t, 2, second.UpdatedRows)
	require.Len(t, second.Manifest.UpdatedAssets, 2)
	assert.Empty(t, second.Manifest.CreatedAssetIDs)

	assets := f.store.Assets()
	require.Len(t, assets, 1)
	assert.Equal(t, "Kessel 1 neuer", assets[0].Name)
	assert.Equal(t, "Wärmepumpe", assets[0].Attributes["typ"])
	assert.Equal(t, second.ID, *assets[0].LastJobID)

	result, err := f.service.Rollback(ctx, f.tenantID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RestoredAssets)

	restored, ok := f.store.Asset(assets[0].ID)
	require.True(t, ok)
	assert.Equal(t, "Kessel 1", restored.Name)
	assert.Equal(t, "Gas", restored.Attributes["typ"])
	assert.Equal(t, domain.AssetStatusActive, restored.Status)
	assert.Equal(t, first.ID, *restored.LastJobID)
	assert.True(t, restored.Active)

	rolledBack, err := f.service.Get(ctx, f.tenantID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRolledBack, rolledBack.Status)

	// The first job owns the asset again and can be undone completely.
	result, err = f.service.Rollback(ctx, f.tenantID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeactivatedAssets)
	assert.Equal(t, 1, result.DeactivatedBuildings)
	assert.Equal(t, 1, result.DeactivatedProperties)
	assert.Empty(t, activeAssets(f.store))
	for _, building := range f.store.Buildings() {
		assert.False(t, building.Active)
	}
	for _, property := range f.store.Properties() {
		assert.False(t, property.Active)
	}
}

func TestRollbackConflictsWithLaterImport(t *testing.T) {
	f := newFixture(t)
	first := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})
	second := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,defekt,Viessmann,Gas,2015,24"), domain.ImportOptions{UpdateExisting: true})
	require.Equal(t, domain.JobStatusCompleted, second.Status)

	_, err := f.service.Rollback(context.Background(), f.tenantID, first.ID)
	require.ErrorIs(t, err, ErrRollbackConflict)

	job, err := f.service.Get(context.Background(), f.tenantID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Len(t, activeAssets(f.store), 1)
}

func TestRollbackRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})
	_, err := f.service.Rollback(ctx, f.tenantID, job.ID)
	require.NoError(t, err)

	_, err = f.service.Rollback(ctx, f.tenantID, job.ID)
	assert.ErrorIs(t, err, ErrRollbackNotAllowed, "second rollback")

	failed := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,,Gas,2015,24"), domain.ImportOptions{})
	_, err = f.service.Rollback(ctx, f.tenantID, failed.ID)
	assert.ErrorIs(t, err, ErrRollbackNotAllowed, "failed job")

	_, err = f.service.Rollback(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound, "other tenant")
}

func TestRollbackCountsRepeatedManifestIDsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jobs := f.store.Jobs()

	job, err := jobs.Create(ctx, domain.NewImportJob(f.tenantID, f.userID, "anlagen.csv", importMapping(), domain.ImportOptions{}), csvFile())
	require.NoError(t, err)
	require.NoError(t, jobs.MarkProcessing(ctx, job.ID, 2))

	property := f.store.SeedProperty(domain.Property{TenantID: f.tenantID, Name: "Campus Nord", Active: true})
	building := f.store.SeedBuilding(domain.Building{TenantID: f.tenantID, PropertyID: property.ID, Name: "Haus A", Active: true})
	jobID := job.ID
	var assetIDs []uuid.UUID
	for _, name := range []string{"Kessel 1", "Kessel 2"} {
		asset := f.store.SeedAsset(domain.Asset{
			TenantID: f.tenantID, BuildingID: building.ID, Name: name, ClassificationCode: "HZ001",
			ScanCode: "AS-" + name, Status: domain.AssetStatusActive, Active: true, LastJobID: &jobID,
		})
		assetIDs = append(assetIDs, asset.ID)
	}

	// Two workers revived the same property and building.
	manifest := domain.NewRollbackManifest()
	manifest.CreatedPropertyIDs = []uuid.UUID{property.ID, property.ID}
	manifest.CreatedBuildingIDs = []uuid.UUID{building.ID, building.ID}
	manifest.CreatedAssetIDs = assetIDs
	require.NoError(t, jobs.Complete(ctx, job.ID, domain.JobResult{
		Status: domain.JobStatusCompleted, TotalRows: 2, SuccessfulRows: 2, Manifest: manifest,
	}))

	result, err := f.service.Rollback(ctx, f.tenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeactivatedAssets)
	assert.Equal(t, 1, result.DeactivatedBuildings)
	assert.Equal(t, 1, result.DeactivatedProperties)
	assert.False(t, f.store.Properties()[0].Active)
	assert.False(t, f.store.Buildings()[0].Active)
	assert.Empty(t, activeAssets(f.store))
}

func TestReimportReactivatesRolledBackLocation(t *testing.T) {
	f := newFixture(t)
	data := csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24")
	first := f.run(t, data, domain.ImportOptions{})
	_, err := f.service.Rollback(context.Background(), f.tenantID, first.ID)
	require.NoError(t, err)

	again := f.run(t, data, domain.ImportOptions{})
	require.Equal(t, domain.JobStatusCompleted, again.Status)
	assert.Len(t, f.store.Properties(), 1)
	assert.Len(t, f.store.Buildings(), 1)
	assert.True(t, f.store.Properties()[0].Active)
	assert.True(t, f.store.Buildings()[0].Active)
	assert.Len(t, again.Manifest.CreatedPropertyIDs, 1, "reactivated property belongs to the new job")
	assert.Len(t, activeAssets(f.store), 1)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})

	cancelled, err := f.service.Cancel(ctx, f.tenantID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.Zero(t, f.queue.Len())

	require.NoError(t, f.service.Process(ctx, job.ID))
	assert.Empty(t, f.store.Assets())

	_, err = f.service.Cancel(ctx, f.tenantID, job.ID)
	assert.ErrorIs(t, err, ErrJobNotCancellable)
}

// cancellingValidator cancels the job while the given row count is being validated.
type cancellingValidator struct {
	FieldValidator
	after   int32
	calls   atomic.Int32
	trigger func()
}

func (v *cancellingValidator) ValidateFields(tenantID uuid.UUID, code string, values map[string]any) validator.Result {
	if v.calls.Add(1) == v.after {
		v.trigger()
	}
	return v.FieldValidator.ValidateFields(tenantID, code, values)
}

func TestCancelDuringProcessingKeepsCommittedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fields := &cancellingValidator{FieldValidator: f.registry, after: 3}
	f.service = NewService(f.store, f.queue, spreadsheet.NewParser(spreadsheet.DefaultConfig()), fields,
		WithConcurrency(1), WithProgressEvery(1), WithProgressInterval(0))

	rows := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, fmt.Sprintf("Campus Nord,Haus A,Kessel %d,HZ001,K%d,aktiv,Viessmann,Gas,2015,24", i, i))
	}
	job := f.submit(t, csvFile(rows...), domain.ImportOptions{})
	fields.trigger = func() {
		_, err := f.service.Cancel(ctx, f.tenantID, job.ID)
		assert.NoError(t, err)
	}

	final := f.processNext(t)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Len(t, f.store.Assets(), 3, "rows that started before the cancel still commit")
	require.NotNil(t, final.Manifest)
	assert.Len(t, final.Manifest.CreatedAssetIDs, 3)

	_, err := f.service.Rollback(ctx, f.tenantID, job.ID)
	assert.ErrorIs(t, err, ErrRollbackNotAllowed)
}

func TestProcessTimesOut(t *testing.T) {
	f := newFixture(t, WithJobTimeout(time.Nanosecond))
	job := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "Job timed out")
}

func TestStructuralFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	job, err := f.service.Submit(context.Background(), SubmitRequest{
		TenantID: f.tenantID,
		UserID:   f.userID,
		FileName: "anlagen.csv",
		Mapping:  domain.ColumnMapping{domain.FieldProperty: "Liegenschaft"},
		Data:     csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24"),
	})
	require.NoError(t, err)
	final := f.processNext(t)

	assert.Equal(t, job.ID, final.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	require.NotEmpty(t, final.Errors)
	assert.Zero(t, final.Errors[0].Row)
	assert.Contains(t, final.Errors[0].Message, "asset_name")
}

func TestRowCeilingFailsJobBeforeProcessing(t *testing.T) {
	f := newFixture(t)
	f.service.parser = spreadsheet.NewParser(spreadsheet.Config{MaxRows: 1})
	job := f.run(t, csvFile(
		"Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,Viessmann,Gas,2015,24",
		"Campus Nord,Haus A,Kessel 2,HZ001,K2,aktiv,Viessmann,Gas,2015,24",
	), domain.ImportOptions{})

	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "File has 2 rows, maximum is 1", *job.ErrorMessage)
	assert.Empty(t, f.store.Assets())
}

func TestEmptyFileCompletes(t *testing.T) {
	f := newFixture(t)
	job := f.run(t, []byte(csvHeader+"\n"), domain.ImportOptions{})
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Zero(t, job.TotalRows)
}

func TestErrorReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failed := f.run(t, csvFile("Campus Nord,Haus A,Kessel 1,HZ001,K1,aktiv,,Gas,2015,24"), domain.ImportOptions{})

	report, err := f.service.ErrorReport(ctx, f.tenantID, failed.ID)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(report))
	require.NoError(t, err)
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows(wb.GetSheetList()[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2", rows[1][0])
	assert.Equal(t, "Required field missing: hersteller", rows[1][2])

	ok := f.run(t, csvFile("Campus Nord,Haus A,Kessel 2,HZ001,K2,aktiv,Viessmann,Gas,2015,24"), domain.ImportOptions{})
	_, err = f.service.ErrorReport(ctx, f.tenantID, ok.ID)
	assert.ErrorIs(t, err, ErrNoErrorReport)

	_, err = f.service.ErrorReport(ctx, uuid.New(), failed.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

type flakyJobs struct {
	repository.JobRepository
	failures int
	err      error
	calls    int
}

func (j *flakyJobs) Create(ctx context.Context, job domain.ImportJob, payload []byte) (domain.ImportJob, error) {
	j.calls++
	if j.calls <= j.failures {
		return domain.ImportJob{}, j.err
	}
	return j.JobRepository.Create(ctx, job, payload)
}

type storeWithJobs struct {
	*memory.Store
	jobs repository.JobRepository
}

func (s storeWithJobs) Jobs() repository.JobRepository { return s.jobs }

func TestSubmitRetriesTransientFailures(t *testing.T) {
	store := memory.NewStore()
	transient := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	jobs := &flakyJobs{JobRepository: store.Jobs(), failures: 2, err: transient}
	q := queue.NewMemoryQueue()
	service := NewService(storeWithJobs{Store: store, jobs: jobs}, q, nil, seedRegistry(t, store, uuid.New()),
		WithSubmitRetry(5, time.Millisecond))

	job, err := service.Submit(context.Background(), SubmitRequest{
		TenantID: uuid.New(), UserID: uuid.New(), FileName: "a.csv", Mapping: importMapping(), Data: csvFile(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, jobs.calls)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 1, q.Len())
}

func TestSubmitDoesNotRetryPermanentFailures(t *testing.T) {
	store := memory.NewStore()
	jobs := &flakyJobs{JobRepository: store.Jobs(), failures: 5, err: repository.ErrConflict}
	service := NewService(storeWithJobs{Store: store, jobs: jobs}, queue.NewMemoryQueue(), nil, seedRegistry(t, store, uuid.New()),
		WithSubmitRetry(5, time.Millisecond))

	_, err := service.Submit(context.Background(), SubmitRequest{
		TenantID: uuid.New(), UserID: uuid.New(), FileName: "a.csv", Mapping: importMapping(), Data: csvFile(),
	})
	require.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, 1, jobs.calls)
}

type closedQueue struct{ *queue.MemoryQueue }

func (closedQueue) Enqueue(context.Context, uuid.UUID) error { return queue.ErrClosed }

func TestSubmitFailsJobWhenEnqueueFails(t *testing.T) {
	store := memory.NewStore()
	tenantID := uuid.New()
	service := NewService(store, closedQueue{queue.NewMemoryQueue()}, nil, seedRegistry(t, store, tenantID))

	_, err := service.Submit(context.Background(), SubmitRequest{
		TenantID: tenantID, UserID: uuid.New(), FileName: "a.csv", Mapping: importMapping(), Data: csvFile(),
	})
	require.ErrorIs(t, err, queue.ErrClosed)

	jobs, err := service.List(context.Background(), tenantID, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, WithMaxUploadBytes(64))
	ctx := context.Background()
	base := SubmitRequest{TenantID: f.tenantID, UserID: f.userID, FileName: "a.csv", Mapping: importMapping()}

	missing := base
	missing.Mapping = nil
	_, err := f.service.Submit(ctx, missing)
	assert.Error(t, err)

	large := base
	large.Data = bytes.Repeat([]byte("a,b\n"), 100)
	_, err = f.service.Submit(ctx, large)
	assert.ErrorIs(t, err, ErrUploadTooLarge)
}

func TestCorruptUploadFailsJob(t *testing.T) {
	cases := map[string][]byte{
		"a.pdf":  {0x00, 0x01, 0xff, 0xfe},
		"a.xlsx": append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x00}, 64)...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			job, err := f.service.Submit(context.Background(), SubmitRequest{
				TenantID: f.tenantID, UserID: f.userID, FileName: name, Mapping: importMapping(), Data: data,
			})
			require.NoError(t, err)

			final := f.processNext(t)
			assert.Equal(t, job.ID, final.ID)
			assert.Equal(t, domain.JobStatusFailed, final.Status)
			assert.Zero(t, final.ProcessedRows)
			require.Len(t, final.Errors, 1)
			assert.Zero(t, final.Errors[0].Row)
			assert.Contains(t, final.Errors[0].Message, "could not be read as xlsx or csv")
			require.NotNil(t, final.ErrorMessage)
			assert.Empty(t, f.store.Assets())
		})
	}
}

func TestListAndRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.submit(t, csvFile(), domain.ImportOptions{})
	second := f.submit(t, csvFile(), domain.ImportOptions{})

	jobs, err := f.service.List(ctx, f.tenantID, []domain.JobStatus{domain.JobStatusPending}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	other, err := f.service.List(ctx, uuid.New(), nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other)

	// A restarted worker starts from an empty queue.
	for f.queue.Len() > 0 {
		_, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, f.service.Recover(ctx))
	assert.Equal(t, 2, f.queue.Len())

	ids := []uuid.UUID{f.processNext(t).ID, f.processNext(t).ID}
	assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, ids)
}

func TestRecoverFailsEveryStaleJobAcrossPages(t *testing.T) {
	f := newFixture(t, WithJobTimeout(time.Hour))
	ctx := context.Background()
	jobs := f.store.Jobs()

	const stale = 250
	for i := 0; i < stale; i++ {
		job, err := jobs.Create(ctx, domain.NewImportJob(f.tenantID, f.userID, "anlagen.csv", importMapping(), domain.ImportOptions{}), csvFile())
		require.NoError(t, err)
		require.NoError(t, jobs.MarkProcessing(ctx, job.ID, 1))
	}
	pending := f.submit(t, csvFile(), domain.ImportOptions{})
	_, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	f.service.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	require.NoError(t, f.service.Recover(ctx))

	processing, err := f.service.List(ctx, f.tenantID, []domain.JobStatus{domain.JobStatusProcessing}, stale, 0)
	require.NoError(t, err)
	assert.Empty(t, processing)

	failed, err := f.service.List(ctx, f.tenantID, []domain.JobStatus{domain.JobStatusFailed}, stale+1, 0)
	require.NoError(t, err)
	assert.Len(t, failed, stale)

	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, pending.ID, f.processNext(t).ID)
}
