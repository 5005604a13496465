package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/budget-tracker/internal/domain/common"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/oracle"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/scheduler"
)

type mergeCall struct {
	winnerID uuid.UUID
	loserIDs []uuid.UUID
	name     string
	location *string
}

type fakeRepo struct {
	mu         sync.Mutex
	accounts   map[string]*repository.Account
	jobs       map[uuid.UUID]*repository.CsvImport
	jobTxs     map[uuid.UUID][]*repository.Transaction
	merchants  []*repository.Merchant
	recurring  []*repository.RecurringCandidate
	applied    [][]repository.EnrichedTransaction
	updates    [][]repository.EnrichedUpdate
	increments []int
	resets     []int
	edits      []repository.TransactionEdit
	merges     []mergeCall
	applyErr   error
	completeCh chan struct{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts:   make(map[string]*repository.Account),
		jobs:       make(map[uuid.UUID]*repository.CsvImport),
		jobTxs:     make(map[uuid.UUID][]*repository.Transaction),
		completeCh: make(chan struct{}, 1),
	}
}

func (f *fakeRepo) GetOrCreateAccount(_ context.Context, userID *uuid.UUID, name, accountType string) (*repository.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.accounts[name]; ok {
		return acc, nil
	}
	acc := &repository.Account{ID: uuid.New(), UserID: userID, Name: name, AccountType: accountType}
	f.accounts[name] = acc
	return acc, nil
}

func (f *fakeRepo) GetAccountByID(_ context.Context, id uuid.UUID) (*repository.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, acc := range f.accounts {
		if acc.ID == id {
			return acc, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) UpsertImportJob(_ context.Context, userID *uuid.UUID, accountID uuid.UUID, filename string, rowCount int, mapping repository.ColumnMapping) (*repository.CsvImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &repository.CsvImport{
		ID:            uuid.New(),
		UserID:        userID,
		AccountID:     accountID,
		Filename:      filename,
		RowCount:      rowCount,
		Status:        repository.StatusInProgress,
		ColumnMapping: mapping,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRepo) GetImportJobByID(_ context.Context, id uuid.UUID) (*repository.CsvImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeRepo) ListImportJobs(_ context.Context, _ *uuid.UUID, _ int) ([]*repository.CsvImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*repository.CsvImport, 0, len(f.jobs))
	for _, job := range f.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRepo) ResetImportForRun(_ context.Context, id uuid.UUID, rowCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, rowCount)
	if job, ok := f.jobs[id]; ok {
		job.Status = repository.StatusInProgress
		job.EnrichedRows = 0
		job.RowCount = rowCount
	}
	return nil
}

func (f *fakeRepo) IncrementEnrichedRows(_ context.Context, id uuid.UUID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments = append(f.increments, n)
	if job, ok := f.jobs[id]; ok {
		job.EnrichedRows += n
	}
	return nil
}

func (f *fakeRepo) MarkImportComplete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	if job, ok := f.jobs[id]; ok {
		job.Status = repository.StatusComplete
	}
	f.mu.Unlock()
	select {
	case f.completeCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeRepo) MarkImportAborted(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = repository.StatusAborted
	}
	return nil
}

func (f *fakeRepo) ApplyEnrichedBatch(_ context.Context, _ *uuid.UUID, _ uuid.UUID, _ *repository.ResolutionCaches, rows []repository.EnrichedTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, rows)
	return nil
}

func (f *fakeRepo) ApplyReEnrichedBatch(_ context.Context, _ *uuid.UUID, _ *repository.ResolutionCaches, updates []repository.EnrichedUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates)
	return nil
}

func (f *fakeRepo) ListTransactions(_ context.Context, _ repository.TransactionFilter) ([]*repository.Transaction, error) {
	return nil, nil
}

func (f *fakeRepo) GetTransactionsByImport(_ context.Context, jobID uuid.UUID) ([]*repository.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobTxs[jobID], nil
}

func (f *fakeRepo) GetTransactionsByIDs(_ context.Context, ids []uuid.UUID) ([]*repository.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Transaction
	for _, txs := range f.jobTxs {
		for _, tx := range txs {
			for _, id := range ids {
				if tx.ID == id {
					out = append(out, tx)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateTransaction(_ context.Context, _ *uuid.UUID, id uuid.UUID, edit repository.TransactionEdit) (*repository.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, txs := range f.jobTxs {
		for _, tx := range txs {
			if tx.ID == id {
				f.edits = append(f.edits, edit)
				cp := *tx
				cp.Description = edit.Description
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListRecurringCandidates(_ context.Context, _ *uuid.UUID) ([]*repository.RecurringCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recurring, nil
}

func (f *fakeRepo) ListMerchants(_ context.Context, _ *uuid.UUID) ([]*repository.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merchants, nil
}

func (f *fakeRepo) GetMerchantsByIDs(_ context.Context, ids []uuid.UUID) ([]*repository.Merchant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.Merchant
	for _, m := range f.merchants {
		for _, id := range ids {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) MergeMerchants(_ context.Context, winnerID uuid.UUID, loserIDs []uuid.UUID, name string, location *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, mergeCall{winnerID: winnerID, loserIDs: loserIDs, name: name, location: location})
	return nil
}

func (f *fakeRepo) appliedRows() []repository.EnrichedTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.EnrichedTransaction
	for _, batch := range f.applied {
		out = append(out, batch...)
	}
	return out
}

func (f *fakeRepo) incrementTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.increments {
		total += n
	}
	return total
}

type fakeOracle struct {
	mapping   *oracle.ColumnMapping
	mapErr    error
	dupGroups []oracle.DuplicateGroup
	dupErr    error
}

func (f *fakeOracle) Classify(_ context.Context, rows []oracle.EnrichRow) ([]oracle.Classification, error) {
	return classifyRows(rows), nil
}

func (f *fakeOracle) DetectColumns(_ context.Context, _ []string, _ [][]string) (*oracle.ColumnMapping, error) {
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return f.mapping, nil
}

func (f *fakeOracle) FindDuplicateMerchants(_ context.Context, _ []oracle.MerchantRecord) ([]oracle.DuplicateGroup, error) {
	if f.dupErr != nil {
		return nil, f.dupErr
	}
	return f.dupGroups, nil
}

// fakeRunner partitions rows like the real scheduler but classifies
// synchronously, so tests run without sleeps or goroutine races.
type fakeRunner struct {
	classify func(rows []oracle.EnrichRow) ([]oracle.Classification, error)
}

func (f *fakeRunner) Run(_ context.Context, rows []oracle.EnrichRow, batchSize int) <-chan scheduler.BatchResult {
	if batchSize <= 0 {
		batchSize = scheduler.DefaultBatchSize
	}
	var batches []scheduler.Batch
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batches = append(batches, scheduler.Batch{Number: len(batches), Rows: rows[start:end]})
	}
	ch := make(chan scheduler.BatchResult, len(batches))
	for _, batch := range batches {
		cls, err := f.classify(batch.Rows)
		ch <- scheduler.BatchResult{Batch: batch, Classifications: cls, Err: err}
	}
	close(ch)
	return ch
}

func classifyRows(rows []oracle.EnrichRow) []oracle.Classification {
	out := make([]oracle.Classification, len(rows))
	for i, row := range rows {
		out[i] = oracle.Classification{
			Index:       row.Index,
			Description: "Enriched " + row.Description,
		}
	}
	return out
}

func newTestService(repo repository.LedgerRepository, orc Oracle, runner batchRunner) *ImportService {
	return &ImportService{
		repo:      repo,
		oracle:    orc,
		runner:    runner,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize: scheduler.DefaultBatchSize,
		runs:      newRunRegistry(),
	}
}

func waitComplete(t *testing.T, repo *fakeRepo) {
	t.Helper()
	select {
	case <-repo.completeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment run did not complete in time")
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestImportCSV_RunsToCompletion(t *testing.T) {
	data := strings.Join([]string{
		"Date,Description,Amount",
		"2024-01-15,STARBUCKS #123,-4.50",
		"01/16/2024,PAYCHECK,2500.00",
		"bogus,ACME,10.00",
		"2024-01-18,NETFLIX.COM,(15.49)",
		"",
	}, "\n")

	repo := newFakeRepo()
	orc := &fakeOracle{mapping: &oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}}
	svc := newTestService(repo, orc, &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		return classifyRows(rows), nil
	}})

	job, err := svc.ImportCSV(context.Background(), ImportParams{
		AccountName: "Checking",
		AccountType: "Checking",
		Filename:    "statement.csv",
		Data:        []byte(data),
	})
	if err != nil {
		t.Fatalf("ImportCSV failed: %v", err)
	}
	if job.RowCount != 4 {
		t.Fatalf("expected row count 4, got %d", job.RowCount)
	}
	waitComplete(t, repo)

	// The bogus-date row is skipped, the other three persist.
	rows := repo.appliedRows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 persisted rows, got %d", len(rows))
	}
	amounts := map[string]string{}
	for _, row := range rows {
		amounts[row.Description] = row.Amount.String()
	}
	if got := amounts["Enriched NETFLIX.COM"]; got != "-15.49" {
		t.Errorf("parenthesized amount = %s, want -15.49", got)
	}
	if got := amounts["Enriched PAYCHECK"]; got != "2500" {
		t.Errorf("paycheck amount = %s, want 2500", got)
	}

	// Progress counts every attempted row, including the skipped one.
	if total := repo.incrementTotal(); total != 4 {
		t.Errorf("enriched rows = %d, want 4", total)
	}

	progress, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if !progress.Complete || progress.Status != repository.StatusComplete {
		t.Errorf("expected complete progress, got %+v", progress)
	}
	if progress.Account != "Checking" {
		t.Errorf("progress account = %q, want %q", progress.Account, "Checking")
	}
}

func TestImportCSV_EmptyFile(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	_, err := svc.ImportCSV(context.Background(), ImportParams{Filename: "empty.csv", Data: nil})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestImportCSV_ColumnFallback(t *testing.T) {
	data := "Transaction Date,Description,Amount\n2024-01-15,COFFEE,-4.50\n"

	repo := newFakeRepo()
	orc := &fakeOracle{mapErr: errors.New("model unavailable")}
	svc := newTestService(repo, orc, &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		return classifyRows(rows), nil
	}})

	if _, err := svc.ImportCSV(context.Background(), ImportParams{
		AccountName: "Checking", AccountType: "Checking", Filename: "a.csv", Data: []byte(data),
	}); err != nil {
		t.Fatalf("expected header fallback to succeed, got %v", err)
	}
	waitComplete(t, repo)

	rows := repo.appliedRows()
	if len(rows) != 1 || rows[0].Amount.String() != "-4.5" {
		t.Fatalf("unexpected persisted rows: %+v", rows)
	}
}

func TestImportCSV_NoAmountColumn(t *testing.T) {
	data := "Alpha,Beta\nx,y\n"
	orc := &fakeOracle{mapErr: errors.New("model unavailable")}
	svc := newTestService(newFakeRepo(), orc, &fakeRunner{})

	_, err := svc.ImportCSV(context.Background(), ImportParams{Filename: "a.csv", Data: []byte(data)})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildTransactions_CreditCardSignFlip(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	job := &repository.CsvImport{ID: uuid.New()}
	account := &repository.Account{ID: uuid.New(), AccountType: creditCardAccountType}
	rawRows := [][]string{
		{"2024-01-15", "STORE PURCHASE", "25.00"},
		{"2024-01-16", "REFUND", "-10.00"},
	}
	mapping := oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}
	cls := []oracle.Classification{
		{Index: 0, Description: "Store Purchase"},
		{Index: 1, Description: "Refund"},
	}

	out := svc.buildTransactions(context.Background(), job, account, rawRows, mapping, cls)
	if len(out) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(out))
	}
	if out[0].Amount.String() != "-25" {
		t.Errorf("charge amount = %s, want -25", out[0].Amount.String())
	}
	if out[1].Amount.String() != "10" {
		t.Errorf("refund amount = %s, want 10", out[1].Amount.String())
	}
}

func TestBuildTransactions_SkipsAndFallsBack(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	job := &repository.CsvImport{ID: uuid.New()}
	account := &repository.Account{ID: uuid.New(), AccountType: "Checking"}
	rawRows := [][]string{
		{"not-a-date", "BAD DATE", "5.00"},
		{"2024-01-15", "BAD AMOUNT", "oops"},
		{"2024-01-16", "RAW  DESC", "7.25"},
	}
	mapping := oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}
	cls := []oracle.Classification{
		{Index: 0, Description: "A"},
		{Index: 1, Description: "B"},
		{Index: 2, Description: ""},
		{Index: 99, Description: "out of range"},
	}

	out := svc.buildTransactions(context.Background(), job, account, rawRows, mapping, cls)
	if len(out) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(out))
	}
	// Empty model description falls back to the cleaned raw one.
	if out[0].Description != "RAW DESC" {
		t.Errorf("description = %q, want %q", out[0].Description, "RAW DESC")
	}
	if out[0].RawDescription == nil || *out[0].RawDescription != "RAW DESC" {
		t.Errorf("raw description not preserved: %v", out[0].RawDescription)
	}
}

func TestBuildTransactions_DuplicateIndexDropped(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	job := &repository.CsvImport{ID: uuid.New()}
	account := &repository.Account{ID: uuid.New(), AccountType: "Checking"}
	rawRows := [][]string{
		{"2024-01-15", "COFFEE", "-4.50"},
		{"2024-01-16", "LUNCH", "-12.00"},
	}
	mapping := oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}
	// The model repeats index 0; only its first verdict may persist.
	cls := []oracle.Classification{
		{Index: 0, Description: "Coffee"},
		{Index: 0, Description: "Coffee Again"},
		{Index: 1, Description: "Lunch"},
	}

	out := svc.buildTransactions(context.Background(), job, account, rawRows, mapping, cls)
	if len(out) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(out))
	}
	if out[0].Description != "Coffee" || out[1].Description != "Lunch" {
		t.Errorf("unexpected descriptions: %q, %q", out[0].Description, out[1].Description)
	}
}

func TestRunEnrichment_CompletesDespiteFailedBatch(t *testing.T) {
	repo := newFakeRepo()
	runner := &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		if rows[0].Index == 50 {
			return nil, errors.New("model exploded")
		}
		return classifyRows(rows), nil
	}}
	svc := newTestService(repo, &fakeOracle{}, runner)

	rawRows := make([][]string, 120)
	for i := range rawRows {
		rawRows[i] = []string{"2024-01-15", fmt.Sprintf("ROW %d", i), "-1.00"}
	}
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "big.csv", len(rawRows), repository.ColumnMapping{})
	account := &repository.Account{ID: uuid.New(), AccountType: "Checking"}
	mapping := oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}

	svc.runEnrichment(context.Background(), job, account, rawRows, mapping)

	// Batches of 50: the middle one fails permanently, the other 70 rows land.
	if got := len(repo.appliedRows()); got != 70 {
		t.Errorf("persisted rows = %d, want 70", got)
	}
	if total := repo.incrementTotal(); total != 70 {
		t.Errorf("enriched rows = %d, want 70", total)
	}
	stored, _ := repo.GetImportJobByID(context.Background(), job.ID)
	if stored.Status != repository.StatusComplete {
		t.Errorf("status = %s, want %s", stored.Status, repository.StatusComplete)
	}
}

func TestRunEnrichment_ApplyFailureSkipsCounter(t *testing.T) {
	repo := newFakeRepo()
	repo.applyErr = errors.New("db down")
	runner := &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		return classifyRows(rows), nil
	}}
	svc := newTestService(repo, &fakeOracle{}, runner)

	rawRows := [][]string{{"2024-01-15", "COFFEE", "-4.50"}}
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "a.csv", 1, repository.ColumnMapping{})
	account := &repository.Account{ID: uuid.New(), AccountType: "Checking"}
	mapping := oracle.ColumnMapping{Date: intPtr(0), Description: intPtr(1), Amount: intPtr(2)}

	svc.runEnrichment(context.Background(), job, account, rawRows, mapping)

	if total := repo.incrementTotal(); total != 0 {
		t.Errorf("enriched rows = %d, want 0 after failed apply", total)
	}
	stored, _ := repo.GetImportJobByID(context.Background(), job.ID)
	if stored.Status != repository.StatusComplete {
		t.Errorf("status = %s, want %s", stored.Status, repository.StatusComplete)
	}
}

func TestProgress_NotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	if _, err := svc.Progress(context.Background(), uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProgress_Aborted(t *testing.T) {
	repo := newFakeRepo()
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "a.csv", 10, repository.ColumnMapping{})
	_ = repo.MarkImportAborted(context.Background(), job.ID)

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	progress, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Progress failed: %v", err)
	}
	if !progress.Aborted || progress.Complete {
		t.Errorf("unexpected progress: %+v", progress)
	}
}

func TestReEnrichJob_ConflictWhileRunning(t *testing.T) {
	repo := newFakeRepo()
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "a.csv", 10, repository.ColumnMapping{})

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	if err := svc.ReEnrichJob(context.Background(), job.ID); !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReEnrichJob_NotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	if err := svc.ReEnrichJob(context.Background(), uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReEnrichJob_RewritesTransactions(t *testing.T) {
	repo := newFakeRepo()
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "a.csv", 5, repository.ColumnMapping{})
	_ = repo.MarkImportComplete(context.Background(), job.ID)
	<-repo.completeCh

	raw := "STARBUCKS #0042"
	repo.jobTxs[job.ID] = []*repository.Transaction{
		{ID: uuid.New(), Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Description: "Starbucks", RawDescription: &raw, Amount: decimal.NewFromFloat(-4.50)},
		{ID: uuid.New(), Date: time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), Description: "Rent", Amount: decimal.NewFromInt(-1200)},
	}

	runner := &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		for _, row := range rows {
			if row.Index == 0 && row.Description != raw {
				return nil, fmt.Errorf("expected raw description, got %q", row.Description)
			}
		}
		return classifyRows(rows), nil
	}}
	svc := newTestService(repo, &fakeOracle{}, runner)

	if err := svc.ReEnrichJob(context.Background(), job.ID); err != nil {
		t.Fatalf("ReEnrichJob failed: %v", err)
	}
	waitComplete(t, repo)

	if len(repo.resets) != 1 || repo.resets[0] != 2 {
		t.Fatalf("expected reset to 2 rows, got %v", repo.resets)
	}
	if len(repo.updates) != 1 || len(repo.updates[0]) != 2 {
		t.Fatalf("expected one batch of 2 updates, got %v", repo.updates)
	}
	if repo.updates[0][0].TransactionID != repo.jobTxs[job.ID][0].ID {
		t.Errorf("update targets wrong transaction")
	}
	if total := repo.incrementTotal(); total != 2 {
		t.Errorf("enriched rows = %d, want 2", total)
	}
}

func TestReEnrichTransactions_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})

	if err := svc.ReEnrichTransactions(context.Background(), nil, nil); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error for empty ids, got %v", err)
	}
	if err := svc.ReEnrichTransactions(context.Background(), nil, []uuid.UUID{uuid.New()}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found for unknown ids, got %v", err)
	}
}

func TestReEnrichTransactions_AppliesUpdates(t *testing.T) {
	repo := newFakeRepo()
	jobID := uuid.New()
	tx := &repository.Transaction{ID: uuid.New(), Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Description: "Gym", Amount: decimal.NewFromInt(-30)}
	repo.jobTxs[jobID] = []*repository.Transaction{tx}

	runner := &fakeRunner{classify: func(rows []oracle.EnrichRow) ([]oracle.Classification, error) {
		cls := classifyRows(rows)
		cls[0].MerchantName = strPtr("Planet Fitness")
		return cls, nil
	}}
	svc := newTestService(repo, &fakeOracle{}, runner)

	if err := svc.ReEnrichTransactions(context.Background(), nil, []uuid.UUID{tx.ID}); err != nil {
		t.Fatalf("ReEnrichTransactions failed: %v", err)
	}

	// The run is ad hoc, so there is no job completion to wait on.
	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		n := len(repo.updates)
		repo.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("updates were not applied in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	update := repo.updates[0][0]
	if update.TransactionID != tx.ID {
		t.Errorf("update targets wrong transaction")
	}
	if update.MerchantName == nil || *update.MerchantName != "Planet Fitness" {
		t.Errorf("merchant name not carried: %v", update.MerchantName)
	}
	if len(repo.increments) != 0 {
		t.Errorf("ad hoc run must not touch job counters, got %v", repo.increments)
	}
}

func TestUpdateTransaction(t *testing.T) {
	repo := newFakeRepo()
	jobID := uuid.New()
	tx := &repository.Transaction{ID: uuid.New(), Description: "Starbucks", Amount: decimal.NewFromFloat(-4.50)}
	repo.jobTxs[jobID] = []*repository.Transaction{tx}

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	updated, err := svc.UpdateTransaction(context.Background(), nil, tx.ID, repository.TransactionEdit{
		Description:  "  Starbucks   Reserve ",
		MerchantName: strPtr("Starbucks"),
		Category:     strPtr("Food & Drink"),
		Subcategory:  strPtr("Coffee & Tea"),
	})
	if err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}
	// Whitespace is normalized before the edit lands.
	if updated.Description != "Starbucks Reserve" {
		t.Errorf("description = %q, want %q", updated.Description, "Starbucks Reserve")
	}
	if len(repo.edits) != 1 || repo.edits[0].MerchantName == nil || *repo.edits[0].MerchantName != "Starbucks" {
		t.Errorf("edit not forwarded: %+v", repo.edits)
	}
}

func TestUpdateTransaction_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	_, err := svc.UpdateTransaction(context.Background(), nil, uuid.New(), repository.TransactionEdit{Description: "   "})
	if !errors.Is(err, common.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateTransaction_NotFound(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeOracle{}, &fakeRunner{})
	_, err := svc.UpdateTransaction(context.Background(), nil, uuid.New(), repository.TransactionEdit{Description: "Coffee"})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMergeMerchants(t *testing.T) {
	repo := newFakeRepo()
	m1 := &repository.Merchant{ID: uuid.New(), Name: "AMZN"}
	m2 := &repository.Merchant{ID: uuid.New(), Name: "AMAZON.COM"}
	repo.merchants = []*repository.Merchant{m1, m2}

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	winner, err := svc.MergeMerchants(context.Background(), "Amazon", nil, []uuid.UUID{m1.ID, m2.ID})
	if err != nil {
		t.Fatalf("MergeMerchants failed: %v", err)
	}
	if winner.ID != m1.ID || winner.Name != "Amazon" {
		t.Errorf("unexpected winner: %+v", winner)
	}
	if len(repo.merges) != 1 {
		t.Fatalf("expected one merge call, got %d", len(repo.merges))
	}
	merge := repo.merges[0]
	if merge.winnerID != m1.ID || len(merge.loserIDs) != 1 || merge.loserIDs[0] != m2.ID {
		t.Errorf("unexpected merge call: %+v", merge)
	}
}

func TestMergeMerchants_Validation(t *testing.T) {
	repo := newFakeRepo()
	m := &repository.Merchant{ID: uuid.New(), Name: "Solo"}
	repo.merchants = []*repository.Merchant{m}
	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})

	if _, err := svc.MergeMerchants(context.Background(), "  ", nil, []uuid.UUID{m.ID, uuid.New()}); !errors.Is(err, common.ErrValidation) {
		t.Errorf("expected validation error for empty name, got %v", err)
	}
	if _, err := svc.MergeMerchants(context.Background(), "Solo", nil, []uuid.UUID{m.ID}); !errors.Is(err, common.ErrValidation) {
		t.Errorf("expected validation error for single id, got %v", err)
	}
	if _, err := svc.MergeMerchants(context.Background(), "Amazon", nil, []uuid.UUID{m.ID, uuid.New()}); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("expected not found for unknown id, got %v", err)
	}
}

func TestDetectRecurring(t *testing.T) {
	repo := newFakeRepo()
	netflixID := uuid.New()
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	netflix := strPtr("Netflix")
	streaming := strPtr("Entertainment")

	repo.recurring = []*repository.RecurringCandidate{
		// Monthly subscription keyed by merchant, gaps of 30 and 31 days.
		{Date: day(2024, 1, 1), Amount: decimal.NewFromFloat(-15.49), Description: "NETFLIX.COM", MerchantID: &netflixID, MerchantName: netflix, CategoryName: streaming},
		{Date: day(2024, 1, 31), Amount: decimal.NewFromFloat(-15.49), Description: "NETFLIX.COM", MerchantID: &netflixID, MerchantName: netflix, CategoryName: streaming},
		{Date: day(2024, 3, 2), Amount: decimal.NewFromFloat(-15.49), Description: "NETFLIX.COM", MerchantID: &netflixID, MerchantName: netflix, CategoryName: streaming},
		// Weekly charge with no resolved merchant, grouped by description.
		{Date: day(2024, 2, 1), Amount: decimal.NewFromFloat(-9.99), Description: "GYM CLASS"},
		{Date: day(2024, 2, 8), Amount: decimal.NewFromFloat(-9.99), Description: "gym class"},
		// A single occurrence never counts as recurring.
		{Date: day(2024, 2, 1), Amount: decimal.NewFromInt(-50), Description: "ONE OFF"},
		// A 200-day gap fits no cadence.
		{Date: day(2024, 1, 1), Amount: decimal.NewFromInt(-80), Description: "ODD GAP"},
		{Date: day(2024, 7, 19), Amount: decimal.NewFromInt(-80), Description: "ODD GAP"},
	}

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	items, err := svc.DetectRecurring(context.Background(), nil)
	if err != nil {
		t.Fatalf("DetectRecurring failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 recurring items, got %d: %+v", len(items), items)
	}

	// Ordered by monthly cost: the weekly gym charge outweighs Netflix.
	gym := items[0]
	if gym.Frequency != "weekly" || gym.MonthlyCost.String() != "43.29" {
		t.Errorf("gym item = %+v, want weekly at 43.29/month", gym)
	}

	nf := items[1]
	if nf.Merchant != "Netflix" || nf.Frequency != "monthly" || nf.Occurrences != 3 {
		t.Errorf("netflix item = %+v", nf)
	}
	if nf.MonthlyCost.String() != "15.49" {
		t.Errorf("netflix monthly cost = %s, want 15.49", nf.MonthlyCost)
	}
	// Median gap 30.5 rounds to 31 days past the last charge.
	if got := nf.NextEstimated.Format("2006-01-02"); got != "2024-04-02" {
		t.Errorf("next estimated = %s, want 2024-04-02", got)
	}
}

func TestSuggestMerchantDuplicates(t *testing.T) {
	repo := newFakeRepo()
	m1 := &repository.Merchant{ID: uuid.New(), Name: "AMZN"}
	m2 := &repository.Merchant{ID: uuid.New(), Name: "AMAZON.COM"}
	m3 := &repository.Merchant{ID: uuid.New(), Name: "Starbucks"}
	repo.merchants = []*repository.Merchant{m1, m2, m3}

	orc := &fakeOracle{dupGroups: []oracle.DuplicateGroup{
		{CanonicalName: "Amazon", MemberIDs: []string{m1.ID.String(), m2.ID.String(), uuid.NewString()}},
		// Trimming the unknown id leaves a singleton, which is dropped.
		{CanonicalName: "Starbucks", MemberIDs: []string{m3.ID.String(), uuid.NewString()}},
	}}
	svc := newTestService(repo, orc, &fakeRunner{})

	suggestions, err := svc.SuggestMerchantDuplicates(context.Background(), nil)
	if err != nil {
		t.Fatalf("SuggestMerchantDuplicates failed: %v", err)
	}
	if len(suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggestions))
	}
	if suggestions[0].CanonicalName != "Amazon" || len(suggestions[0].Members) != 2 {
		t.Errorf("unexpected suggestion: %+v", suggestions[0])
	}
}

func TestSuggestMerchantDuplicates_NoMerchants(t *testing.T) {
	// With nothing stored, the model is never consulted.
	svc := newTestService(newFakeRepo(), &fakeOracle{dupErr: errors.New("should not be called")}, &fakeRunner{})
	suggestions, err := svc.SuggestMerchantDuplicates(context.Background(), nil)
	if err != nil {
		t.Fatalf("SuggestMerchantDuplicates failed: %v", err)
	}
	if len(suggestions) != 0 {
		t.Errorf("expected no suggestions, got %+v", suggestions)
	}
}

func TestAbortImport(t *testing.T) {
	repo := newFakeRepo()
	job, _ := repo.UpsertImportJob(context.Background(), nil, uuid.New(), "a.csv", 10, repository.ColumnMapping{})

	svc := newTestService(repo, &fakeOracle{}, &fakeRunner{})
	if err := svc.AbortImport(context.Background(), job.ID); err != nil {
		t.Fatalf("AbortImport failed: %v", err)
	}
	stored, _ := repo.GetImportJobByID(context.Background(), job.ID)
	if stored.Status != repository.StatusAborted {
		t.Errorf("status = %s, want %s", stored.Status, repository.StatusAborted)
	}

	if err := svc.AbortImport(context.Background(), uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
