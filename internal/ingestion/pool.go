package ingestion

import (
	"context"
	"runtime"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/assetimport/internal/domain"
)

// MaxConcurrency caps the number of worker units of one job.
const MaxConcurrency = 16

// DefaultProgressEvery is how many rows a unit processes between progress messages.
const DefaultProgressEvery = 25

// DefaultConcurrency uses half of the available CPUs, at least one and at most MaxConcurrency.
func DefaultConcurrency() int {
	return min(MaxConcurrency, max(1, runtime.NumCPU()/2))
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Concurrency   int
	ProgressEvery int
}

// ProgressFunc receives summed progress of all units. It is only ever called
// from the pool's collector goroutine.
type ProgressFunc func(domain.JobProgress)

// PoolResult holds every outcome ordered by row number.
type PoolResult struct {
	Outcomes   []domain.RowOutcome
	Successful int
	Failed     int
	Updated    int
	// Unprocessed counts rows skipped because the run was cancelled.
	Unprocessed int
}

// Pool splits rows into contiguous batches and runs each batch in its own
// unit with a dedicated processor.
type Pool struct {
	cfg          PoolConfig
	newProcessor func() RowProcessor
}

// NewPool creates a pool; newProcessor is called once per unit.
func NewPool(cfg PoolConfig, newProcessor func() RowProcessor) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency()
	}
	cfg.Concurrency = min(cfg.Concurrency, MaxConcurrency)
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Pool{cfg: cfg, newProcessor: newProcessor}
}

type unitProgress struct {
	unit       int
	processed  int
	successful int
	failed     int
}

// Run processes rows and blocks until every unit has stopped. Cancelling ctx
// stops units between rows; a row that has started always finishes.
func (p *Pool) Run(ctx context.Context, rows []domain.RowRecord, tenantID, jobID uuid.UUID, progress ProgressFunc) PoolResult {
	batches := splitBatches(rows, p.cfg.Concurrency)
	results := make([][]domain.RowOutcome, len(batches))
	updates := make(chan unitProgress, len(batches))

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		latest := make([]unitProgress, len(batches))
		for update := range updates {
			latest[update.unit] = update
			if progress == nil {
				continue
			}
			sum := domain.JobProgress{TotalRows: len(rows)}
			for _, u := range latest {
				sum.ProcessedRows += u.processed
				sum.SuccessfulRows += u.successful
				sum.FailedRows += u.failed
			}
			progress(sum)
		}
	}()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, batch := range batches {
		g.Go(func() error {
			results[i] = p.runUnit(ctx, i, batch, tenantID, jobID, updates)
			return nil
		})
	}
	_ = g.Wait()
	close(updates)
	<-collected

	var result PoolResult
	for _, outcomes := range results {
		result.Outcomes = append(result.Outcomes, outcomes...)
	}
	sortByRow(result.Outcomes)
	for _, outcome := range result.Outcomes {
		switch outcome.Status {
		case domain.OutcomeCreated:
			result.Successful++
		case domain.OutcomeUpdated:
			result.Successful++
			result.Updated++
		default:
			result.Failed++
		}
	}
	result.Unprocessed = len(rows) - len(result.Outcomes)
	return result
}

func (p *Pool) runUnit(ctx context.Context, unit int, batch []domain.RowRecord, tenantID, jobID uuid.UUID, updates chan<- unitProgress) (outcomes []domain.RowOutcome) {
	state := unitProgress{unit: unit}
	outcomes = make([]domain.RowOutcome, 0, len(batch))
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{"job_id": jobID, "unit": unit, "panic": rec}).Error("worker unit crashed")
			for _, row := range batch[len(outcomes):] {
				outcomes = append(outcomes, domain.FailedOutcome(row, "", internalErrorMessage))
				state.processed++
				state.failed++
			}
			updates <- state
		}
	}()

	processor := p.newProcessor()
	// Rows run detached from cancellation so a started row always commits or rolls back on its own terms.
	rowCtx := context.WithoutCancel(ctx)
	for i, row := range batch {
		if ctx.Err() != nil {
			break
		}
		outcome := processor.ProcessRow(rowCtx, row, tenantID, jobID)
		outcome.RowNumber = row.RowNumber
		outcomes = append(outcomes, outcome)
		state.processed++
		if outcome.Succeeded() {
			state.successful++
		} else {
			state.failed++
		}
		if state.processed%p.cfg.ProgressEvery == 0 || i == len(batch)-1 {
			updates <- state
		}
	}
	return outcomes
}

// splitBatches cuts rows into min(len(rows), concurrency) contiguous batches
// whose sizes differ by at most one.
func splitBatches(rows []domain.RowRecord, concurrency int) [][]domain.RowRecord {
	if len(rows) == 0 {
		return nil
	}
	count := min(len(rows), max(1, concurrency))
	batches := make([][]domain.RowRecord, 0, count)
	size, extra := len(rows)/count, len(rows)%count
	start := 0
	for i := 0; i < count; i++ {
		end := start + size
		if i < extra {
			end++
		}
		batches = append(batches, rows[start:end])
		start = end
	}
	return batches
}

func sortByRow(outcomes []domain.RowOutcome) {
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].RowNumber < outcomes[j].RowNumber
	})
}
