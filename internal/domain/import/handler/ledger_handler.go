package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/budget-tracker/internal/domain/common"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
)

type merchantResponse struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Location *string `json:"location,omitempty"`
}

type recurringResponse struct {
	Merchant      string  `json:"merchant"`
	MerchantID    *string `json:"merchant_id,omitempty"`
	Category      *string `json:"category,omitempty"`
	Amount        string  `json:"amount"`
	Frequency     string  `json:"frequency"`
	Occurrences   int     `json:"occurrences"`
	LastCharge    string  `json:"last_charge"`
	NextEstimated string  `json:"next_estimated"`
	MonthlyCost   string  `json:"monthly_cost"`
}

type duplicateGroupResponse struct {
	CanonicalName     string             `json:"canonical_name"`
	CanonicalLocation *string            `json:"canonical_location"`
	Members           []merchantResponse `json:"members"`
}

// UpdateTransaction applies a manual edit to one transaction. A null or
// missing merchant name clears the merchant; category and subcategory must
// both be present to keep a subcategory link.
func (h *ImportHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req struct {
		UserID           string  `json:"user_id"`
		Description      string  `json:"description"`
		MerchantName     *string `json:"merchant_name"`
		MerchantLocation *string `json:"merchant_location"`
		Category         *string `json:"category"`
		Subcategory      *string `json:"subcategory"`
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

	tx, err := h.svc.UpdateTransaction(r.Context(), userID, id, repository.TransactionEdit{
		Description:      req.Description,
		MerchantName:     req.MerchantName,
		MerchantLocation: req.MerchantLocation,
		Category:         req.Category,
		Subcategory:      req.Subcategory,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// GetRecurring reports detected subscriptions and regular charges.
func (h *ImportHandler) GetRecurring(w http.ResponseWriter, r *http.Request) {
	userID, err := optionalUUID(r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := h.svc.DetectRecurring(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]recurringResponse, len(items))
	for i, item := range items {
		out[i] = recurringResponse{
			Merchant:      item.Merchant,
			MerchantID:    uuidString(item.MerchantID),
			Category:      item.Category,
			Amount:        item.Amount.String(),
			Frequency:     item.Frequency,
			Occurrences:   item.Occurrences,
			LastCharge:    item.LastCharge.Format(time.DateOnly),
			NextEstimated: item.NextEstimated.Format(time.DateOnly),
			MonthlyCost:   item.MonthlyCost.String(),
		}
	}
	h.writeJSON(w, http.StatusOK, map[string][]recurringResponse{"items": out})
}

// ListMerchants returns the stored merchants.
func (h *ImportHandler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	userID, err := optionalUUID(r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	merchants, err := h.svc.ListMerchants(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]merchantResponse, len(merchants))
	for i, m := range merchants {
		out[i] = toMerchantResponse(m)
	}
	h.writeJSON(w, http.StatusOK, map[string][]merchantResponse{"items": out})
}

// MergeMerchants folds the listed merchants into the first one.
func (h *ImportHandler) MergeMerchants(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CanonicalName     string   `json:"canonical_name"`
		CanonicalLocation *string  `json:"canonical_location"`
		MerchantIDs       []string `json:"merchant_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(common.ErrBadRequest, err))
		return
	}

	ids := make([]uuid.UUID, 0, len(req.MerchantIDs))
	for _, raw := range req.MerchantIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, r, errors.Join(common.ErrBadRequest, errors.New("invalid merchant id")))
			return
		}
		ids = append(ids, id)
	}

	winner, err := h.svc.MergeMerchants(r.Context(), req.CanonicalName, req.CanonicalLocation, ids)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMerchantResponse(winner))
}

// SuggestMerchantDuplicates returns model-suggested merge groups.
func (h *ImportHandler) SuggestMerchantDuplicates(w http.ResponseWriter, r *http.Request) {
	userID, err := optionalUUID(r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	suggestions, err := h.svc.SuggestMerchantDuplicates(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	groups := make([]duplicateGroupResponse, len(suggestions))
	for i, sug := range suggestions {
		members := make([]merchantResponse, len(sug.Members))
		for j, m := range sug.Members {
			members[j] = toMerchantResponse(m)
		}
		groups[i] = duplicateGroupResponse{
			CanonicalName:     sug.CanonicalName,
			CanonicalLocation: sug.CanonicalLocation,
			Members:           members,
		}
	}
	h.writeJSON(w, http.StatusOK, map[string][]duplicateGroupResponse{"groups": groups})
}

func toMerchantResponse(m *repository.Merchant) merchantResponse {
	return merchantResponse{ID: m.ID.String(), Name: m.Name, Location: m.Location}
}
