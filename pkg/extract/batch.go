package extract

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/portal"
)

// BatchResult aggregates the outcomes of one batch run. Outcomes hold the
// same positions as the input records, and Succeeded+Failed always equals
// Total.
type BatchResult struct {
	Outcomes  []Outcome     `json:"outcomes"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// BatchOptions configures a BatchRunner.
type BatchOptions struct {
	Pipeline *Pipeline
	Logger   zerolog.Logger

	// Concurrency bounds in-flight extractions. Zero selects 2.
	Concurrency int
	// RecordsPerSecond paces dispatch so one batch cannot hammer a
	// portal. Zero selects 0.5 (one record every two seconds).
	RecordsPerSecond float64
}

// BatchRunner fans a slice of records out through the pipeline with bounded
// concurrency and paced dispatch. One record failing never aborts the rest.
type BatchRunner struct {
	pipeline    *Pipeline
	logger      zerolog.Logger
	concurrency int
	limiter     *rate.Limiter
}

// NewBatchRunner creates a batch runner.
func NewBatchRunner(opts BatchOptions) *BatchRunner {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	rps := opts.RecordsPerSecond
	if rps <= 0 {
		rps = 0.5
	}
	return &BatchRunner{
		pipeline:    opts.Pipeline,
		logger:      opts.Logger.With().Str("component", "batch").Logger(),
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Run extracts every record for the key. Dispatch is paced by the rate
// limiter and bounded by the concurrency semaphore; results land at the
// same index as their input record regardless of completion order. A
// cancelled context stops dispatching new records but still produces an
// outcome for every record.
func (r *BatchRunner) Run(ctx context.Context, tenant, integration string, records []portal.Record) BatchResult {
	start := time.Now()
	outcomes := make([]Outcome, len(records))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.concurrency)

dispatch:
	for i, record := range records {
		if err := r.limiter.Wait(ctx); err != nil {
			r.fillCancelled(outcomes, records, i, err)
			break
		}

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			r.fillCancelled(outcomes, records, i, ctx.Err())
			break dispatch
		}

		wg.Add(1)
		go func(i int, record portal.Record) {
			defer wg.Done()
			defer func() { <-semaphore }()
			outcomes[i] = r.pipeline.Extract(ctx, tenant, integration, record)
		}(i, record)
	}

	wg.Wait()

	result := BatchResult{
		Outcomes: outcomes,
		Total:    len(records),
		Duration: time.Since(start),
	}
	for _, o := range outcomes {
		if o.Succeeded() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	r.logger.Info().Str("tenant", tenant).Str("integration", integration).
		Int("total", result.Total).Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).Dur("duration", result.Duration).
		Msg("batch complete")
	return result
}

// fillCancelled stamps a cancellation outcome on every undispatched record
// so the total/succeeded/failed accounting stays exact.
func (r *BatchRunner) fillCancelled(outcomes []Outcome, records []portal.Record, from int, cause error) {
	err := porterr.Wrap(cause, porterr.KindTimeout, "batch cancelled before dispatch").WithRetryable(false)
	for i := from; i < len(records); i++ {
		outcomes[i] = Outcome{
			Record:  records[i],
			Kind:    porterr.KindTimeout,
			Message: err.Error(),
			err:     err,
		}
	}
}
