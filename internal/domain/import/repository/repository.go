// Package repository provides data access for the ledger: accounts, import
// jobs, transactions, and the dimension entities resolved during enrichment.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Import job statuses.
const (
	StatusInProgress = "in-progress"
	StatusComplete   = "complete"
	StatusAborted    = "aborted"
)

// Account is a bank account transactions belong to. AccountType drives the
// credit-card sign inversion during ingestion.
type Account struct {
	ID          uuid.UUID  `db:"id"`
	UserID      *uuid.UUID `db:"user_id"` // NULL = single-tenant
	Name        string     `db:"name"`
	AccountType string     `db:"account_type"` // "Checking", "Savings", "Credit Card"
	CreatedAt   time.Time  `db:"created_at"`
}

// Merchant is a deduplicated business, keyed by (owner, name). Location is
// fill-only: set on first sighting, backfilled if null, never overwritten.
type Merchant struct {
	ID       uuid.UUID  `db:"id"`
	UserID   *uuid.UUID `db:"user_id"`
	Name     string     `db:"name"`
	Location *string    `db:"location"`
}

// ColumnMapping records which CSV columns the detector assigned to each
// semantic field, persisted as jsonb on the import job.
type ColumnMapping struct {
	Description *int `json:"description"`
	Date        *int `json:"date"`
	Amount      *int `json:"amount"`
}

// CsvImport tracks one uploaded file's enrichment run. EnrichedRows counts
// rows whose batches completed classification, which can legitimately end
// below RowCount when batches fail permanently.
type CsvImport struct {
	ID            uuid.UUID     `db:"id"`
	UserID        *uuid.UUID    `db:"user_id"`
	AccountID     uuid.UUID     `db:"account_id"`
	Filename      string        `db:"filename"`
	RowCount      int           `db:"row_count"`
	EnrichedRows  int           `db:"enriched_rows"`
	Status        string        `db:"status"`
	ColumnMapping ColumnMapping `db:"column_mapping"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// Transaction is one ledger row. Amount is signed: negative for expenses,
// positive for income/credits.
type Transaction struct {
	ID             uuid.UUID       `db:"id"`
	AccountID      uuid.UUID       `db:"account_id"`
	Date           time.Time       `db:"date"`
	Description    string          `db:"description"`
	RawDescription *string         `db:"raw_description"`
	Amount         decimal.Decimal `db:"amount"`
	IsRecurring    bool            `db:"is_recurring"`
	MerchantID     *uuid.UUID      `db:"merchant_id"`
	SubcategoryID  *uuid.UUID      `db:"subcategory_id"`
	CardHolderID   *uuid.UUID      `db:"card_holder_id"`
	CsvImportID    *uuid.UUID      `db:"csv_import_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// EnrichedTransaction is one fully classified row ready to persist. Entity
// names are resolved to ids inside the batch's transaction.
type EnrichedTransaction struct {
	AccountID        uuid.UUID
	Date             time.Time
	Description      string
	RawDescription   *string
	Amount           decimal.Decimal
	IsRecurring      bool
	MerchantName     *string
	MerchantLocation *string
	Category         *string
	Subcategory      *string
	CardNumber       *string
}

// EnrichedUpdate overwrites an existing transaction's classification fields
// in place during re-enrichment.
type EnrichedUpdate struct {
	TransactionID    uuid.UUID
	Description      string
	IsRecurring      bool
	MerchantName     *string
	MerchantLocation *string
	Category         *string
	Subcategory      *string
	CardNumber       *string
}

// TransactionEdit carries a manual edit to one transaction. Nil or empty
// MerchantName clears the merchant link; the subcategory link follows the
// same all-or-nothing rule as enrichment, so a missing category or
// subcategory clears it.
type TransactionEdit struct {
	Description      string
	MerchantName     *string
	MerchantLocation *string
	Category         *string
	Subcategory      *string
}

// RecurringCandidate is one transaction flagged recurring, joined with its
// merchant and category names for grouping and display.
type RecurringCandidate struct {
	Date         time.Time
	Amount       decimal.Decimal
	Description  string
	MerchantID   *uuid.UUID
	MerchantName *string
	CategoryName *string
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	UserID      *uuid.UUID
	CsvImportID *uuid.UUID
	Limit       int
	Offset      int
}

// LedgerRepository defines the store operations the import domain needs.
type LedgerRepository interface {
	// Accounts
	GetOrCreateAccount(ctx context.Context, userID *uuid.UUID, name, accountType string) (*Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error)

	// Import jobs
	UpsertImportJob(ctx context.Context, userID *uuid.UUID, accountID uuid.UUID, filename string, rowCount int, mapping ColumnMapping) (*CsvImport, error)
	GetImportJobByID(ctx context.Context, id uuid.UUID) (*CsvImport, error)
	ListImportJobs(ctx context.Context, userID *uuid.UUID, limit int) ([]*CsvImport, error)
	ResetImportForRun(ctx context.Context, id uuid.UUID, rowCount int) error
	IncrementEnrichedRows(ctx context.Context, id uuid.UUID, n int) error
	MarkImportComplete(ctx context.Context, id uuid.UUID) error
	MarkImportAborted(ctx context.Context, id uuid.UUID) error

	// Transactions
	ApplyEnrichedBatch(ctx context.Context, userID *uuid.UUID, jobID uuid.UUID, caches *ResolutionCaches, rows []EnrichedTransaction) error
	ApplyReEnrichedBatch(ctx context.Context, userID *uuid.UUID, caches *ResolutionCaches, updates []EnrichedUpdate) error
	UpdateTransaction(ctx context.Context, userID *uuid.UUID, id uuid.UUID, edit TransactionEdit) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	GetTransactionsByImport(ctx context.Context, jobID uuid.UUID) ([]*Transaction, error)
	GetTransactionsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Transaction, error)
	ListRecurringCandidates(ctx context.Context, userID *uuid.UUID) ([]*RecurringCandidate, error)

	// Merchants
	ListMerchants(ctx context.Context, userID *uuid.UUID) ([]*Merchant, error)
	GetMerchantsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Merchant, error)
	MergeMerchants(ctx context.Context, winnerID uuid.UUID, loserIDs []uuid.UUID, name string, location *string) error
}
