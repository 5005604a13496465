package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/FACorreiaa/budget-tracker/internal/domain/common"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/oracle"
	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
)

// DuplicateSuggestion is one group of stored merchants the model judged to
// be the same business, ready for a merge call.
type DuplicateSuggestion struct {
	CanonicalName     string
	CanonicalLocation *string
	Members           []*repository.Merchant
}

func (s *ImportService) ListMerchants(ctx context.Context, userID *uuid.UUID) ([]*repository.Merchant, error) {
	return s.repo.ListMerchants(ctx, userID)
}

// MergeMerchants folds a set of merchants into one. The first id is the
// survivor; it takes the canonical name and location and inherits the
// others' transactions.
func (s *ImportService) MergeMerchants(ctx context.Context, name string, location *string, ids []uuid.UUID) (*repository.Merchant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: canonical name is required", common.ErrValidation)
	}
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: merging needs at least two merchants", common.ErrValidation)
	}

	merchants, err := s.repo.GetMerchantsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(merchants) != len(ids) {
		return nil, fmt.Errorf("%w: one or more merchants do not exist", common.ErrNotFound)
	}

	winnerID, loserIDs := ids[0], ids[1:]
	if err := s.repo.MergeMerchants(ctx, winnerID, loserIDs, name, location); err != nil {
		return nil, err
	}

	for _, m := range merchants {
		if m.ID == winnerID {
			m.Name = name
			m.Location = location
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: merge winner missing", common.ErrNotFound)
}

// SuggestMerchantDuplicates asks the model which stored merchants look like
// the same business. Groups referencing unknown ids are trimmed, and groups
// left with fewer than two members are dropped.
func (s *ImportService) SuggestMerchantDuplicates(ctx context.Context, userID *uuid.UUID) ([]DuplicateSuggestion, error) {
	merchants, err := s.repo.ListMerchants(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(merchants) == 0 {
		return []DuplicateSuggestion{}, nil
	}

	byID := make(map[string]*repository.Merchant, len(merchants))
	records := make([]oracle.MerchantRecord, len(merchants))
	for i, m := range merchants {
		byID[m.ID.String()] = m
		records[i] = oracle.MerchantRecord{ID: m.ID.String(), Name: m.Name, Location: m.Location}
	}

	groups, err := s.oracle.FindDuplicateMerchants(ctx, records)
	if err != nil {
		return nil, err
	}

	suggestions := make([]DuplicateSuggestion, 0, len(groups))
	for _, group := range groups {
		members := make([]*repository.Merchant, 0, len(group.MemberIDs))
		for _, id := range group.MemberIDs {
			if m, ok := byID[id]; ok {
				members = append(members, m)
			}
		}
		if len(members) < 2 {
			continue
		}
		suggestions = append(suggestions, DuplicateSuggestion{
			CanonicalName:     group.CanonicalName,
			CanonicalLocation: group.CanonicalLocation,
			Members:           members,
		})
	}
	return suggestions, nil
}
