// Package scheduler partitions an enrichment run into fixed-size batches and
// drives the classification calls: bounded concurrency, per-batch retries
// with backoff, and completion-order result delivery.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FACorreiaa/budget-tracker/internal/domain/import/oracle"
	"github.com/FACorreiaa/budget-tracker/pkg/observability"
)

const (
	DefaultBatchSize = 50

	maxAttempts = 3
	maxInFlight = 3
)

// Batch is one contiguous slice of the run's rows. Rows keep their global
// indices so results can be matched back to the source rows.
type Batch struct {
	Number int // 1-based, for logging
	Rows   []oracle.EnrichRow
}

// BatchResult is delivered on the results channel as each batch finishes,
// in completion order. Err is set when the batch exhausted its retries.
type BatchResult struct {
	Batch           Batch
	Classifications []oracle.Classification
	Err             error
}

// Classifier is the oracle surface the scheduler drives.
type Classifier interface {
	Classify(ctx context.Context, rows []oracle.EnrichRow) ([]oracle.Classification, error)
}

type Scheduler struct {
	classifier  Classifier
	logger      *slog.Logger
	concurrency int

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(classifier Classifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		classifier:  classifier,
		logger:      logger,
		concurrency: maxInFlight,
		sleep:       sleepContext,
	}
}

// Run splits rows into batches of batchSize and classifies them with at most
// maxInFlight oracle calls running at once. The returned channel yields each
// batch as it completes, not in submission order, and closes once every
// batch has been attempted. A failed batch carries its error and does not
// stop the others.
func (s *Scheduler) Run(ctx context.Context, rows []oracle.EnrichRow, batchSize int) <-chan BatchResult {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batches := partition(rows, batchSize)
	results := make(chan BatchResult)
	sem := make(chan struct{}, s.concurrency)

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(b Batch) {
			defer wg.Done()
			classifications, err := s.runBatch(ctx, sem, b)
			if err != nil {
				observability.EnrichmentBatchesTotal.WithLabelValues("failed").Inc()
			} else {
				observability.EnrichmentBatchesTotal.WithLabelValues("success").Inc()
			}
			results <- BatchResult{Batch: b, Classifications: classifications, Err: err}
		}(batch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// runBatch retries the classify call up to maxAttempts times. The semaphore
// is held only around the oracle call itself so that a batch sleeping off a
// backoff does not occupy a concurrency slot.
func (s *Scheduler) runBatch(ctx context.Context, sem chan struct{}, b Batch) ([]oracle.Classification, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		start := time.Now()
		classifications, err := s.classifier.Classify(ctx, b.Rows)
		observability.OracleCallDuration.Observe(time.Since(start).Seconds())
		<-sem

		if err == nil {
			return classifications, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "batch classification attempt failed",
			slog.Int("batch", b.Number),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt < maxAttempts {
			backoff := time.Duration(1<<attempt) * time.Second
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("batch %d failed after %d attempts: %w", b.Number, maxAttempts, lastErr)
}

func partition(rows []oracle.EnrichRow, batchSize int) []Batch {
	var batches []Batch
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batches = append(batches, Batch{Number: len(batches) + 1, Rows: rows[start:end]})
	}
	return batches
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
