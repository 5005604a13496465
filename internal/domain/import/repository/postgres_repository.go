package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the pool surface the repository uses, satisfied by
// *pgxpool.Pool and by pgxmock in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ PgxPool = (*pgxpool.Pool)(nil)

var _ LedgerRepository = (*PostgresLedgerRepository)(nil)

const (
	querySelectAccount = `SELECT id, user_id, name, account_type, created_at FROM accounts WHERE user_id IS NOT DISTINCT FROM $1 AND name = $2`
	queryInsertAccount = `INSERT INTO accounts (user_id, name, account_type) VALUES ($1, $2, $3) RETURNING id, created_at`
	queryAccountByID   = `SELECT id, user_id, name, account_type, created_at FROM accounts WHERE id = $1`

	jobColumns = `id, user_id, account_id, filename, row_count, enriched_rows, status, column_mapping, created_at, updated_at`

	querySelectJobByFile = `SELECT id FROM csv_imports WHERE user_id IS NOT DISTINCT FROM $1 AND account_id = $2 AND filename = $3`
	queryInsertJob       = `INSERT INTO csv_imports (user_id, account_id, filename, row_count, column_mapping) VALUES ($1, $2, $3, $4, $5) RETURNING id, enriched_rows, status, created_at, updated_at`
	queryReuseJob        = `UPDATE csv_imports SET row_count = $2, enriched_rows = 0, status = 'in-progress', column_mapping = $3, updated_at = now() WHERE id = $1 RETURNING created_at, updated_at`

	queryJobByID   = `SELECT ` + jobColumns + ` FROM csv_imports WHERE id = $1`
	queryListJobs  = `SELECT ` + jobColumns + ` FROM csv_imports WHERE user_id IS NOT DISTINCT FROM $1 ORDER BY created_at DESC LIMIT $2`
	queryResetJob  = `UPDATE csv_imports SET status = 'in-progress', enriched_rows = 0, row_count = $2, updated_at = now() WHERE id = $1`
	queryIncrement = `UPDATE csv_imports SET enriched_rows = enriched_rows + $2, updated_at = now() WHERE id = $1`
	querySetStatus = `UPDATE csv_imports SET status = $2, updated_at = now() WHERE id = $1`

	queryDeleteJobTransactions = `DELETE FROM transactions WHERE csv_import_id = $1`

	transactionColumns = `id, account_id, date, description, raw_description, amount, is_recurring, merchant_id, subcategory_id, card_holder_id, csv_import_id, created_at`

	queryInsertTransaction = `INSERT INTO transactions (account_id, date, description, raw_description, amount, is_recurring, merchant_id, subcategory_id, card_holder_id, csv_import_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	queryUpdateEnrichment  = `UPDATE transactions SET description = $2, is_recurring = $3, merchant_id = $4, subcategory_id = $5, card_holder_id = $6 WHERE id = $1`

	queryTransactionsByImport = `SELECT ` + transactionColumns + ` FROM transactions WHERE csv_import_id = $1 ORDER BY date, created_at`
	queryTransactionsByIDs    = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ANY($1)`

	queryTransactionForEdit = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	queryApplyEdit          = `UPDATE transactions SET description = $2, merchant_id = $3, subcategory_id = $4 WHERE id = $1`

	queryRecurringCandidates = `SELECT t.date, t.amount, t.description, t.merchant_id, m.name, c.name
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		LEFT JOIN merchants m ON m.id = t.merchant_id
		LEFT JOIN subcategories s ON s.id = t.subcategory_id
		LEFT JOIN categories c ON c.id = s.category_id
		WHERE t.is_recurring AND a.user_id IS NOT DISTINCT FROM $1
		ORDER BY t.date`

	queryListMerchants   = `SELECT id, user_id, name, location FROM merchants WHERE user_id IS NOT DISTINCT FROM $1 ORDER BY name`
	queryMerchantsByIDs  = `SELECT id, user_id, name, location FROM merchants WHERE id = ANY($1)`
	queryRenameMerchant  = `UPDATE merchants SET name = $2, location = $3 WHERE id = $1`
	queryReassignTxns    = `UPDATE transactions SET merchant_id = $2 WHERE merchant_id = ANY($1)`
	queryDeleteMerchants = `DELETE FROM merchants WHERE id = ANY($1)`
)

// PostgresLedgerRepository implements LedgerRepository using PostgreSQL.
type PostgresLedgerRepository struct {
	db     PgxPool
	logger *slog.Logger
}

func NewPostgresLedgerRepository(db PgxPool, logger *slog.Logger) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{db: db, logger: logger}
}

func (r *PostgresLedgerRepository) GetOrCreateAccount(ctx context.Context, userID *uuid.UUID, name, accountType string) (*Account, error) {
	account := &Account{UserID: userID, Name: name, AccountType: accountType}

	err := r.db.QueryRow(ctx, querySelectAccount, userID, name).
		Scan(&account.ID, &account.UserID, &account.Name, &account.AccountType, &account.CreatedAt)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	err = r.db.QueryRow(ctx, queryInsertAccount, userID, name, accountType).
		Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return account, nil
}

func (r *PostgresLedgerRepository) GetAccountByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	account := &Account{}
	err := r.db.QueryRow(ctx, queryAccountByID, id).
		Scan(&account.ID, &account.UserID, &account.Name, &account.AccountType, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

// UpsertImportJob creates the job row for a new filename, or reuses the
// existing row when the same filename is imported again: prior transactions
// are deleted and the counters reset, so a re-import replaces rather than
// duplicates.
func (r *PostgresLedgerRepository) UpsertImportJob(ctx context.Context, userID *uuid.UUID, accountID uuid.UUID, filename string, rowCount int, mapping ColumnMapping) (*CsvImport, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job := &CsvImport{
		UserID:        userID,
		AccountID:     accountID,
		Filename:      filename,
		RowCount:      rowCount,
		Status:        StatusInProgress,
		ColumnMapping: mapping,
	}

	var existingID uuid.UUID
	err = tx.QueryRow(ctx, querySelectJobByFile, userID, accountID, filename).Scan(&existingID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, queryInsertJob, userID, accountID, filename, rowCount, mapping).
			Scan(&job.ID, &job.EnrichedRows, &job.Status, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert import job: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to query import job: %w", err)
	default:
		if _, err := tx.Exec(ctx, queryDeleteJobTransactions, existingID); err != nil {
			return nil, fmt.Errorf("failed to delete prior transactions: %w", err)
		}
		job.ID = existingID
		err = tx.QueryRow(ctx, queryReuseJob, existingID, rowCount, mapping).
			Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to reset import job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return job, nil
}

func (r *PostgresLedgerRepository) GetImportJobByID(ctx context.Context, id uuid.UUID) (*CsvImport, error) {
	job := &CsvImport{}
	err := r.db.QueryRow(ctx, queryJobByID, id).Scan(
		&job.ID, &job.UserID, &job.AccountID, &job.Filename, &job.RowCount,
		&job.EnrichedRows, &job.Status, &job.ColumnMapping, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import job: %w", err)
	}
	return job, nil
}

func (r *PostgresLedgerRepository) ListImportJobs(ctx context.Context, userID *uuid.UUID, limit int) ([]*CsvImport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, queryListJobs, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list import jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CsvImport
	for rows.Next() {
		job := &CsvImport{}
		err := rows.Scan(
			&job.ID, &job.UserID, &job.AccountID, &job.Filename, &job.RowCount,
			&job.EnrichedRows, &job.Status, &job.ColumnMapping, &job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *PostgresLedgerRepository) ResetImportForRun(ctx context.Context, id uuid.UUID, rowCount int) error {
	if _, err := r.db.Exec(ctx, queryResetJob, id, rowCount); err != nil {
		return fmt.Errorf("failed to reset import job: %w", err)
	}
	return nil
}

func (r *PostgresLedgerRepository) IncrementEnrichedRows(ctx context.Context, id uuid.UUID, n int) error {
	if _, err := r.db.Exec(ctx, queryIncrement, id, n); err != nil {
		return fmt.Errorf("failed to increment enriched rows: %w", err)
	}
	return nil
}

func (r *PostgresLedgerRepository) MarkImportComplete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, querySetStatus, id, StatusComplete); err != nil {
		return fmt.Errorf("failed to mark import complete: %w", err)
	}
	return nil
}

func (r *PostgresLedgerRepository) MarkImportAborted(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, querySetStatus, id, StatusAborted); err != nil {
		return fmt.Errorf("failed to mark import aborted: %w", err)
	}
	return nil
}

// ApplyEnrichedBatch persists one completed batch. Entity resolution and the
// transaction inserts share a single database transaction, so a resolution
// failure rolls back the whole batch.
func (r *PostgresLedgerRepository) ApplyEnrichedBatch(ctx context.Context, userID *uuid.UUID, jobID uuid.UUID, caches *ResolutionCaches, rows []EnrichedTransaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	resolver := newEntityResolver(tx, userID, caches)
	for _, row := range rows {
		merchantID, subcategoryID, cardHolderID, err := resolver.resolveClassification(
			ctx, row.MerchantName, row.MerchantLocation, row.Category, row.Subcategory, row.CardNumber)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, queryInsertTransaction,
			row.AccountID, row.Date, row.Description, row.RawDescription, row.Amount,
			row.IsRecurring, merchantID, subcategoryID, cardHolderID, jobID)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// ApplyReEnrichedBatch overwrites classification fields on existing
// transactions, with the same transactional boundary as ApplyEnrichedBatch.
func (r *PostgresLedgerRepository) ApplyReEnrichedBatch(ctx context.Context, userID *uuid.UUID, caches *ResolutionCaches, updates []EnrichedUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	resolver := newEntityResolver(tx, userID, caches)
	for _, upd := range updates {
		merchantID, subcategoryID, cardHolderID, err := resolver.resolveClassification(
			ctx, upd.MerchantName, upd.MerchantLocation, upd.Category, upd.Subcategory, upd.CardNumber)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, queryUpdateEnrichment,
			upd.TransactionID, upd.Description, upd.IsRecurring, merchantID, subcategoryID, cardHolderID)
		if err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// UpdateTransaction applies a manual edit: the description is overwritten
// and the merchant and subcategory links are re-resolved from the edited
// names, creating entities on first use just like enrichment does. Returns
// nil when the transaction does not exist.
func (r *PostgresLedgerRepository) UpdateTransaction(ctx context.Context, userID *uuid.UUID, id uuid.UUID, edit TransactionEdit) (*Transaction, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin edit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t := &Transaction{}
	err = tx.QueryRow(ctx, queryTransactionForEdit, id).Scan(
		&t.ID, &t.AccountID, &t.Date, &t.Description, &t.RawDescription, &t.Amount,
		&t.IsRecurring, &t.MerchantID, &t.SubcategoryID, &t.CardHolderID, &t.CsvImportID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	resolver := newEntityResolver(tx, userID, NewResolutionCaches())
	merchantID, subcategoryID, _, err := resolver.resolveClassification(
		ctx, edit.MerchantName, edit.MerchantLocation, edit.Category, edit.Subcategory, nil)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, queryApplyEdit, id, edit.Description, merchantID, subcategoryID); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit edit: %w", err)
	}

	t.Description = edit.Description
	t.MerchantID = merchantID
	t.SubcategoryID = subcategoryID
	return t, nil
}

func (r *PostgresLedgerRepository) ListRecurringCandidates(ctx context.Context, userID *uuid.UUID) ([]*RecurringCandidate, error) {
	rows, err := r.db.Query(ctx, queryRecurringCandidates, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring candidates: %w", err)
	}
	defer rows.Close()

	var out []*RecurringCandidate
	for rows.Next() {
		c := &RecurringCandidate{}
		err := rows.Scan(&c.Date, &c.Amount, &c.Description, &c.MerchantID, &c.MerchantName, &c.CategoryName)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurring candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresLedgerRepository) ListMerchants(ctx context.Context, userID *uuid.UUID) ([]*Merchant, error) {
	rows, err := r.db.Query(ctx, queryListMerchants, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	defer rows.Close()
	return scanMerchants(rows)
}

func (r *PostgresLedgerRepository) GetMerchantsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Merchant, error) {
	rows, err := r.db.Query(ctx, queryMerchantsByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get merchants by ids: %w", err)
	}
	defer rows.Close()
	return scanMerchants(rows)
}

// MergeMerchants folds the losers into the winner: the winner takes the
// canonical name and location, the losers' transactions are reassigned to
// it, and the loser rows are deleted, all in one transaction.
func (r *PostgresLedgerRepository) MergeMerchants(ctx context.Context, winnerID uuid.UUID, loserIDs []uuid.UUID, name string, location *string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, queryRenameMerchant, winnerID, name, location); err != nil {
		return fmt.Errorf("failed to rename merchant: %w", err)
	}
	if _, err := tx.Exec(ctx, queryReassignTxns, loserIDs, winnerID); err != nil {
		return fmt.Errorf("failed to reassign transactions: %w", err)
	}
	if _, err := tx.Exec(ctx, queryDeleteMerchants, loserIDs); err != nil {
		return fmt.Errorf("failed to delete merged merchants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

func scanMerchants(rows pgx.Rows) ([]*Merchant, error) {
	var merchants []*Merchant
	for rows.Next() {
		m := &Merchant{}
		if err := rows.Scan(&m.ID, &m.UserID, &m.Name, &m.Location); err != nil {
			return nil, fmt.Errorf("failed to scan merchant: %w", err)
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

func (r *PostgresLedgerRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT t.id, t.account_id, t.date, t.description, t.raw_description, t.amount, t.is_recurring, t.merchant_id, t.subcategory_id, t.card_holder_id, t.csv_import_id, t.created_at FROM transactions t JOIN accounts a ON a.id = t.account_id WHERE a.user_id IS NOT DISTINCT FROM $1`
	args := []any{filter.UserID}

	if filter.CsvImportID != nil {
		args = append(args, *filter.CsvImportID)
		query += fmt.Sprintf(" AND t.csv_import_id = $%d", len(args))
	}
	query += " ORDER BY t.date DESC, t.created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *PostgresLedgerRepository) GetTransactionsByImport(ctx context.Context, jobID uuid.UUID) ([]*Transaction, error) {
	rows, err := r.db.Query(ctx, queryTransactionsByImport, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions by import: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *PostgresLedgerRepository) GetTransactionsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Transaction, error) {
	rows, err := r.db.Query(ctx, queryTransactionsByIDs, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions by ids: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*Transaction, error) {
	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		err := rows.Scan(
			&t.ID, &t.AccountID, &t.Date, &t.Description, &t.RawDescription, &t.Amount,
			&t.IsRecurring, &t.MerchantID, &t.SubcategoryID, &t.CardHolderID, &t.CsvImportID, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
