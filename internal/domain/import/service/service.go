// Package service orchestrates CSV imports: column detection, the
// background enrichment run, progress tracking, and re-enrichment.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/FACorreiaa/budget-tracker/internal/domain/common"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/normalizer"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/oracle"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/scheduler"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/sniffer"
	"github.com/FACorreiaa/budget-tracker/pkg/observability"
)

const creditCardAccountType = "Credit Card"

// Oracle is the classification surface the service depends on.
type Oracle interface {
	Classify(ctx context.Context, rows []oracle.EnrichRow) ([]oracle.Classification, error)
	DetectColumns(ctx context.Context, headers []string, sampleRows [][]string) (*oracle.ColumnMapping, error)
	FindDuplicateMerchants(ctx context.Context, merchants []oracle.MerchantRecord) ([]oracle.DuplicateGroup, error)
}

// batchRunner matches scheduler.Scheduler; swapped for a fake in tests.
type batchRunner interface {
	Run(ctx context.Context, rows []oracle.EnrichRow, batchSize int) <-chan scheduler.BatchResult
}

// ImportService drives the whole import pipeline.
type ImportService struct {
	repo      repository.LedgerRepository
	oracle    Oracle
	runner    batchRunner
	logger    *slog.Logger
	batchSize int
	runs      *runRegistry
}

func NewImportService(repo repository.LedgerRepository, orc Oracle, logger *slog.Logger) *ImportService {
	return &ImportService{
		repo:      repo,
		oracle:    orc,
		runner:    scheduler.New(orc, logger),
		logger:    logger,
		batchSize: scheduler.DefaultBatchSize,
		runs:      newRunRegistry(),
	}
}

// ImportParams carries one CSV upload.
type ImportParams struct {
	UserID      *uuid.UUID
	AccountName string
	AccountType string
	Filename    string
	Data        []byte
}

// Progress is the externally visible state of one import job.
type Progress struct {
	Account      string `json:"account,omitempty"`
	RowCount     int    `json:"row_count"`
	EnrichedRows int    `json:"enriched_rows"`
	Status       string `json:"status"`
	Complete     bool   `json:"complete"`
	Aborted      bool   `json:"aborted"`
}

// ImportCSV detects the file's layout and columns, upserts the job record
// (re-importing a filename replaces its prior transactions), and launches
// the enrichment run in the background. It returns as soon as the job row
// exists; callers poll Progress.
func (s *ImportService) ImportCSV(ctx context.Context, params ImportParams) (*repository.CsvImport, error) {
	cfg, err := sniffer.DetectConfig(params.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrValidation, err)
	}
	rawRows := sniffer.ReadRows(params.Data, cfg)
	if len(rawRows) == 0 {
		return nil, fmt.Errorf("%w: no data rows found", common.ErrValidation)
	}

	mapping, err := s.detectColumns(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if mapping.Date == nil || mapping.Amount == nil {
		return nil, fmt.Errorf("%w: could not identify date and amount columns", common.ErrValidation)
	}

	account, err := s.repo.GetOrCreateAccount(ctx, params.UserID, params.AccountName, params.AccountType)
	if err != nil {
		return nil, err
	}

	job, err := s.repo.UpsertImportJob(ctx, params.UserID, account.ID, params.Filename, len(rawRows), repository.ColumnMapping(*mapping))
	if err != nil {
		return nil, err
	}

	s.launchRun(ctx, job.ID, func(runCtx context.Context) {
		s.runEnrichment(runCtx, job, account, rawRows, *mapping)
	})
	return job, nil
}

// Progress reports a job's counters. Complete means the counter caught up
// with the submitted rows; a job whose batches failed permanently can end
// with status complete while Complete stays false.
func (s *ImportService) Progress(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	job, err := s.repo.GetImportJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, common.ErrNotFound
	}

	var accountName string
	if account, err := s.repo.GetAccountByID(ctx, job.AccountID); err != nil {
		s.logger.WarnContext(ctx, "failed to load account for progress",
			slog.String("job_id", jobID.String()), slog.Any("error", err))
	} else if account != nil {
		accountName = account.Name
	}

	return &Progress{
		Account:      accountName,
		RowCount:     job.RowCount,
		EnrichedRows: job.EnrichedRows,
		Status:       job.Status,
		Complete:     job.EnrichedRows >= job.RowCount,
		Aborted:      job.Status == repository.StatusAborted,
	}, nil
}

// ReEnrichJob reruns classification over a prior import's transactions,
// overwriting their classification fields in place. Rejected with a
// conflict while the job is still running.
func (s *ImportService) ReEnrichJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetImportJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return common.ErrNotFound
	}
	if job.Status == repository.StatusInProgress {
		return fmt.Errorf("%w: enrichment already in progress", common.ErrConflict)
	}

	txs, err := s.repo.GetTransactionsByImport(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.repo.ResetImportForRun(ctx, jobID, len(txs)); err != nil {
		return err
	}

	s.launchRun(ctx, jobID, func(runCtx context.Context) {
		s.runReEnrichment(runCtx, &jobID, job.UserID, txs)
	})
	return nil
}

// ReEnrichTransactions reruns classification over an explicit transaction
// set. No job bookkeeping is involved.
func (s *ImportService) ReEnrichTransactions(ctx context.Context, userID *uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no transaction ids given", common.ErrValidation)
	}
	txs, err := s.repo.GetTransactionsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return common.ErrNotFound
	}

	runID := uuid.New()
	s.launchRun(ctx, runID, func(runCtx context.Context) {
		s.runReEnrichment(runCtx, nil, userID, txs)
	})
	return nil
}

// AbortImport flags the job aborted and cancels its run if one is still
// active. The cancellation is advisory: batches already in flight still
// write their results when they complete.
func (s *ImportService) AbortImport(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetImportJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return common.ErrNotFound
	}
	if err := s.repo.MarkImportAborted(ctx, jobID); err != nil {
		return err
	}
	if s.runs.cancel(jobID) {
		s.logger.InfoContext(ctx, "cancelled active enrichment run",
			slog.String("job_id", jobID.String()))
	}
	return nil
}

func (s *ImportService) ListImports(ctx context.Context, userID *uuid.UUID, limit int) ([]*repository.CsvImport, error) {
	return s.repo.ListImportJobs(ctx, userID, limit)
}

func (s *ImportService) ListTransactions(ctx context.Context, filter repository.TransactionFilter) ([]*repository.Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// UpdateTransaction applies a manual edit to one transaction. Entity links
// are re-resolved from the edited names with the same find-or-create
// semantics as enrichment; clearing a name clears the link.
func (s *ImportService) UpdateTransaction(ctx context.Context, userID *uuid.UUID, id uuid.UUID, edit repository.TransactionEdit) (*repository.Transaction, error) {
	edit.Description = normalizer.CleanDescription(edit.Description)
	if edit.Description == "" {
		return nil, fmt.Errorf("%w: description is required", common.ErrValidation)
	}

	tx, err := s.repo.UpdateTransaction(ctx, userID, id, edit)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, common.ErrNotFound
	}
	return tx, nil
}

func (s *ImportService) detectColumns(ctx context.Context, cfg *sniffer.FileConfig) (*oracle.ColumnMapping, error) {
	mapping, err := s.oracle.DetectColumns(ctx, cfg.Headers, cfg.SampleRows)
	if err == nil {
		return mapping, nil
	}
	s.logger.WarnContext(ctx, "model column detection failed, falling back to header heuristics",
		slog.Any("error", err))

	suggested := sniffer.SuggestColumns(cfg.Headers)
	mapping = &oracle.ColumnMapping{}
	if suggested.DateCol >= 0 {
		mapping.Date = &suggested.DateCol
	}
	if suggested.DescCol >= 0 {
		mapping.Description = &suggested.DescCol
	}
	if suggested.AmountCol >= 0 {
		mapping.Amount = &suggested.AmountCol
	}
	return mapping, nil
}

// launchRun starts fn on a context detached from the request and tracks it
// in the run registry so a handle exists for every background run.
func (s *ImportService) launchRun(ctx context.Context, id uuid.UUID, fn func(context.Context)) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runs.add(id, cancel)
	observability.ActiveEnrichmentRuns.Inc()

	go func() {
		defer func() {
			s.runs.remove(id)
			observability.ActiveEnrichmentRuns.Dec()
		}()
		fn(runCtx)
	}()
}

// runEnrichment is the ingestion applier: it consumes batch results in
// completion order, parses and persists each batch in one transaction, then
// advances the progress counter by the batch's attempted row count. The job
// always terminates as complete, even when batches were dropped.
func (s *ImportService) runEnrichment(ctx context.Context, job *repository.CsvImport, account *repository.Account, rawRows [][]string, mapping oracle.ColumnMapping) {
	enrichRows := buildEnrichInput(rawRows, mapping)
	caches := repository.NewResolutionCaches()

	// Abort cancels ctx to stop new classification calls, but results that
	// already came back still get persisted.
	dbCtx := context.WithoutCancel(ctx)

	for result := range s.runner.Run(ctx, enrichRows, s.batchSize) {
		if result.Err != nil {
			s.logger.ErrorContext(ctx, "enrichment batch dropped",
				slog.String("job_id", job.ID.String()),
				slog.Int("batch", result.Batch.Number),
				slog.Any("error", result.Err))
			continue
		}

		batch := s.buildTransactions(ctx, job, account, rawRows, mapping, result.Classifications)
		if err := s.repo.ApplyEnrichedBatch(dbCtx, job.UserID, job.ID, caches, batch); err != nil {
			s.logger.ErrorContext(ctx, "failed to apply enrichment batch",
				slog.String("job_id", job.ID.String()),
				slog.Int("batch", result.Batch.Number),
				slog.Any("error", err))
			continue
		}

		// Progress counts attempted rows, not persisted rows: rows skipped
		// for parse errors still advance the counter.
		attempted := len(result.Batch.Rows)
		if err := s.repo.IncrementEnrichedRows(dbCtx, job.ID, attempted); err != nil {
			s.logger.ErrorContext(ctx, "failed to advance progress counter",
				slog.String("job_id", job.ID.String()),
				slog.Any("error", err))
		}
	}

	// An aborted run keeps its aborted status instead of flipping back to
	// complete.
	if ctx.Err() != nil {
		s.logger.InfoContext(dbCtx, "enrichment run cancelled",
			slog.String("job_id", job.ID.String()))
		return
	}
	if err := s.repo.MarkImportComplete(dbCtx, job.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark import complete",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
		return
	}
	s.logger.InfoContext(ctx, "enrichment run finished",
		slog.String("job_id", job.ID.String()),
		slog.Int("rows", len(rawRows)))
}

// buildTransactions parses each classified row into a persistable
// transaction. Rows with unparseable dates or amounts are logged and
// skipped without failing the batch.
func (s *ImportService) buildTransactions(ctx context.Context, job *repository.CsvImport, account *repository.Account, rawRows [][]string, mapping oracle.ColumnMapping, classifications []oracle.Classification) []repository.EnrichedTransaction {
	out := make([]repository.EnrichedTransaction, 0, len(classifications))
	seen := make(map[int]bool, len(classifications))

	for _, cls := range classifications {
		if cls.Index < 0 || cls.Index >= len(rawRows) {
			s.logger.WarnContext(ctx, "classification index out of range",
				slog.String("job_id", job.ID.String()), slog.Int("index", cls.Index))
			continue
		}
		// A duplicate index would persist the same source row twice.
		if seen[cls.Index] {
			s.logger.WarnContext(ctx, "dropping duplicate classification index",
				slog.String("job_id", job.ID.String()), slog.Int("index", cls.Index))
			continue
		}
		seen[cls.Index] = true
		raw := rawRows[cls.Index]

		date, err := normalizer.ParseDate(columnValue(raw, mapping.Date))
		if err != nil {
			s.logger.WarnContext(ctx, "skipping row with unparseable date",
				slog.String("job_id", job.ID.String()), slog.Int("index", cls.Index),
				slog.String("value", columnValue(raw, mapping.Date)))
			continue
		}
		amount, err := normalizer.ParseAmount(columnValue(raw, mapping.Amount))
		if err != nil {
			s.logger.WarnContext(ctx, "skipping row with unparseable amount",
				slog.String("job_id", job.ID.String()), slog.Int("index", cls.Index),
				slog.String("value", columnValue(raw, mapping.Amount)))
			continue
		}
		// Credit card exports report charges as positive; flip so expenses
		// stay negative in the ledger.
		if account.AccountType == creditCardAccountType {
			amount = amount.Neg()
		}

		description := normalizer.CleanDescription(cls.Description)
		var rawDescription *string
		if v := columnValue(raw, mapping.Description); v != "" {
			cleaned := normalizer.CleanDescription(v)
			rawDescription = &cleaned
			if description == "" {
				description = cleaned
			}
		}

		out = append(out, repository.EnrichedTransaction{
			AccountID:        account.ID,
			Date:             date,
			Description:      description,
			RawDescription:   rawDescription,
			Amount:           amount,
			IsRecurring:      cls.IsRecurring,
			MerchantName:     cls.MerchantName,
			MerchantLocation: cls.MerchantLocation,
			Category:         cls.Category,
			Subcategory:      cls.Subcategory,
			CardNumber:       cls.CardNumber,
		})
	}
	return out
}

// runReEnrichment mirrors runEnrichment for existing transactions: the
// classifications overwrite each transaction in place. Job counters are
// only touched when the run belongs to a job.
func (s *ImportService) runReEnrichment(ctx context.Context, jobID *uuid.UUID, userID *uuid.UUID, txs []*repository.Transaction) {
	enrichRows := make([]oracle.EnrichRow, len(txs))
	for i, tx := range txs {
		desc := tx.Description
		if tx.RawDescription != nil && *tx.RawDescription != "" {
			desc = *tx.RawDescription
		}
		enrichRows[i] = oracle.EnrichRow{
			Index:       i,
			Date:        tx.Date.Format("2006-01-02"),
			Description: desc,
			Amount:      tx.Amount.String(),
		}
	}
	caches := repository.NewResolutionCaches()
	dbCtx := context.WithoutCancel(ctx)

	for result := range s.runner.Run(ctx, enrichRows, s.batchSize) {
		if result.Err != nil {
			s.logger.ErrorContext(ctx, "re-enrichment batch dropped",
				slog.Int("batch", result.Batch.Number), slog.Any("error", result.Err))
			continue
		}

		updates := make([]repository.EnrichedUpdate, 0, len(result.Classifications))
		seen := make(map[int]bool, len(result.Classifications))
		for _, cls := range result.Classifications {
			if cls.Index < 0 || cls.Index >= len(txs) || seen[cls.Index] {
				continue
			}
			seen[cls.Index] = true
			updates = append(updates, repository.EnrichedUpdate{
				TransactionID:    txs[cls.Index].ID,
				Description:      normalizer.CleanDescription(cls.Description),
				IsRecurring:      cls.IsRecurring,
				MerchantName:     cls.MerchantName,
				MerchantLocation: cls.MerchantLocation,
				Category:         cls.Category,
				Subcategory:      cls.Subcategory,
				CardNumber:       cls.CardNumber,
			})
		}

		if err := s.repo.ApplyReEnrichedBatch(dbCtx, userID, caches, updates); err != nil {
			s.logger.ErrorContext(ctx, "failed to apply re-enrichment batch",
				slog.Int("batch", result.Batch.Number), slog.Any("error", err))
			continue
		}
		if jobID != nil {
			if err := s.repo.IncrementEnrichedRows(dbCtx, *jobID, len(result.Batch.Rows)); err != nil {
				s.logger.ErrorContext(ctx, "failed to advance progress counter",
					slog.String("job_id", jobID.String()), slog.Any("error", err))
			}
		}
	}

	if jobID != nil && ctx.Err() == nil {
		if err := s.repo.MarkImportComplete(dbCtx, *jobID); err != nil {
			s.logger.ErrorContext(ctx, "failed to mark import complete",
				slog.String("job_id", jobID.String()), slog.Any("error", err))
		}
	}
}

func buildEnrichInput(rawRows [][]string, mapping oracle.ColumnMapping) []oracle.EnrichRow {
	rows := make([]oracle.EnrichRow, len(rawRows))
	for i, raw := range rawRows {
		rows[i] = oracle.EnrichRow{
			Index:       i,
			Date:        columnValue(raw, mapping.Date),
			Description: columnValue(raw, mapping.Description),
			Amount:      columnValue(raw, mapping.Amount),
		}
	}
	return rows
}

func columnValue(row []string, col *int) string {
	if col == nil || *col < 0 || *col >= len(row) {
		return ""
	}
	return row[*col]
}
