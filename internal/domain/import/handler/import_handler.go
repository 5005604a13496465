// Package handler exposes the import pipeline over HTTP JSON endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/budget-tracker/internal/domain/common"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// importService is the service surface the handlers use.
type importService interface {
	ImportCSV(ctx context.Context, params service.ImportParams) (*repository.CsvImport, error)
	Progress(ctx context.Context, jobID uuid.UUID) (*service.Progress, error)
	ReEnrichJob(ctx context.Context, jobID uuid.UUID) error
	ReEnrichTransactions(ctx context.Context, userID *uuid.UUID, ids []uuid.UUID) error
	AbortImport(ctx context.Context, jobID uuid.UUID) error
	ListImports(ctx context.Context, userID *uuid.UUID, limit int) ([]*repository.CsvImport, error)
	ListTransactions(ctx context.Context, filter repository.TransactionFilter) ([]*repository.Transaction, error)
	UpdateTransaction(ctx context.Context, userID *uuid.UUID, id uuid.UUID, edit repository.TransactionEdit) (*repository.Transaction, error)
	DetectRecurring(ctx context.Context, userID *uuid.UUID) ([]service.RecurringItem, error)
	ListMerchants(ctx context.Context, userID *uuid.UUID) ([]*repository.Merchant, error)
	MergeMerchants(ctx context.Context, name string, location *string, ids []uuid.UUID) (*repository.Merchant, error)
	SuggestMerchantDuplicates(ctx context.Context, userID *uuid.UUID) ([]service.DuplicateSuggestion, error)
}

// ImportHandler implements the import HTTP endpoints.
type ImportHandler struct {
	svc            importService
	logger         *slog.Logger
	maxUploadBytes int64
}

// NewImportHandler constructs a new handler.
func NewImportHandler(svc importService, logger *slog.Logger, maxUploadBytes int64) *ImportHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &ImportHandler{svc: svc, logger: logger, maxUploadBytes: maxUploadBytes}
}

type importResponse struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	RowCount     int    `json:"row_count"`
	EnrichedRows int    `json:"enriched_rows"`
	Status       string `json:"status"`
}

type transactionResponse struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"account_id"`
	Date           string  `json:"date"`
	Description    string  `json:"description"`
	RawDescription *string `json:"raw_description,omitempty"`
	Amount         string  `json:"amount"`
	IsRecurring    bool    `json:"is_recurring"`
	MerchantID     *string `json:"merchant_id,omitempty"`
	SubcategoryID  *string `json:"subcategory_id,omitempty"`
	CardHolderID   *string `json:"card_holder_id,omitempty"`
	CsvImportID    *string `json:"csv_import_id,omitempty"`
}

// UploadCSV accepts a multipart upload and starts the enrichment run.
func (h *ImportHandler) UploadCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(w, r, errors.Join(common.ErrBadRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, errors.Join(common.ErrBadRequest, errors.New("file field is required")))
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, errors.Join(common.ErrBadRequest, err))
		return
	}

	accountName := r.FormValue("account_name")
	if accountName == "" {
		accountName = "Default"
	}
	accountType := r.FormValue("account_type")
	if accountType == "" {
		accountType = "Checking"
	}
	userID, err := optionalUUID(r.FormValue("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.svc.ImportCSV(r.Context(), service.ImportParams{
		UserID:      userID,
		AccountName: accountName,
		AccountType: accountType,
		Filename:    header.Filename,
		Data:        data,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toImportResponse(job))
}

// GetProgress reports a job's enrichment progress.
func (h *ImportHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	progress, err := h.svc.Progress(r.Context(), jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// ListImports returns recent import jobs.
func (h *ImportHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	userID, err := optionalUUID(r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	jobs, err := h.svc.ListImports(r.Context(), userID, queryLimit(r, 20))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]importResponse, len(jobs))
	for i, job := range jobs {
		out[i] = toImportResponse(job)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ReEnrichImport reruns classification over a finished job.
func (h *ImportHandler) ReEnrichImport(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.ReEnrichJob(r.Context(), jobID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "re-enrichment started"})
}

// ReEnrichTransactions reruns classification over an explicit id set.
func (h *ImportHandler) ReEnrichTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string   `json:"user_id"`
		TransactionIDs []string `json:"transaction_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(common.ErrBadRequest, err))
		return
	}
	userID, err := optionalUUID(req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.TransactionIDs))
	for _, raw := range req.TransactionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, r, errors.Join(common.ErrBadRequest, errors.New("invalid transaction id")))
			return
		}
		ids = append(ids, id)
	}

	if err := h.svc.ReEnrichTransactions(r.Context(), userID, ids); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "re-enrichment started"})
}

// AbortImport flags a running job as aborted.
func (h *ImportHandler) AbortImport(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.svc.AbortImport(r.Context(), jobID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// ListTransactions returns transactions, optionally scoped to one import.
func (h *ImportHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	userID, err := optionalUUID(query.Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	importID, err := optionalUUID(query.Get("import_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	txs, err := h.svc.ListTransactions(r.Context(), repository.TransactionFilter{
		UserID:      userID,
		CsvImportID: importID,
		Limit:       queryLimit(r, defaultListLimit),
		Offset:      offset,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionResponse(tx)
	}
	h.writeJSON(w, http.StatusOK, out)
}

func toImportResponse(job *repository.CsvImport) importResponse {
	return importResponse{
		ID:           job.ID.String(),
		Filename:     job.Filename,
		RowCount:     job.RowCount,
		EnrichedRows: job.EnrichedRows,
		Status:       job.Status,
	}
}

func toTransactionResponse(tx *repository.Transaction) transactionResponse {
	return transactionResponse{
		ID:             tx.ID.String(),
		AccountID:      tx.AccountID.String(),
		Date:           tx.Date.Format(time.DateOnly),
		Description:    tx.Description,
		RawDescription: tx.RawDescription,
		Amount:         tx.Amount.String(),
		IsRecurring:    tx.IsRecurring,
		MerchantID:     uuidString(tx.MerchantID),
		SubcategoryID:  uuidString(tx.SubcategoryID),
		CardHolderID:   uuidString(tx.CardHolderID),
		CsvImportID:    uuidString(tx.CsvImportID),
	}
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(key))
	if err != nil {
		return uuid.Nil, errors.Join(common.ErrBadRequest, errors.New("invalid id"))
	}
	return id, nil
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Join(common.ErrBadRequest, errors.New("invalid uuid"))
	}
	return &id, nil
}

func queryLimit(r *http.Request, fallback int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return min(limit, maxListLimit)
}

func (h *ImportHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

func (h *ImportHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
