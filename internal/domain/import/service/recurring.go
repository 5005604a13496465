package service

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/budget-tracker/internal/domain/import/repository"
)

// frequencyRanges map a median gap in days to a named billing cadence.
// Gaps falling between ranges stay unclassified and the group is dropped.
var frequencyRanges = []struct {
	name   string
	lo, hi float64
}{
	{"weekly", 5, 10},
	{"biweekly", 11, 18},
	{"monthly", 22, 45},
	{"quarterly", 60, 120},
	{"annual", 300, 400},
}

// monthlyFactors hold charges-per-month as a ratio, so weekly is 52/12.
var monthlyFactors = map[string][2]int64{
	"weekly":    {52, 12},
	"biweekly":  {26, 12},
	"monthly":   {1, 1},
	"quarterly": {1, 3},
	"annual":    {1, 12},
}

// RecurringItem is one detected subscription or regular charge.
type RecurringItem struct {
	Merchant      string
	MerchantID    *uuid.UUID
	Category      *string
	Amount        decimal.Decimal
	Frequency     string
	Occurrences   int
	LastCharge    time.Time
	NextEstimated time.Time
	MonthlyCost   decimal.Decimal
}

// DetectRecurring groups recurring-flagged transactions by merchant (falling
// back to the normalized description when no merchant was resolved) and
// reports each group whose median charge gap fits a known cadence, ordered
// by estimated monthly cost.
func (s *ImportService) DetectRecurring(ctx context.Context, userID *uuid.UUID) ([]RecurringItem, error) {
	candidates, err := s.repo.ListRecurringCandidates(ctx, userID)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*repository.RecurringCandidate)
	for _, c := range candidates {
		key := "desc:" + strings.ToLower(strings.TrimSpace(c.Description))
		if c.MerchantID != nil {
			key = c.MerchantID.String()
		}
		groups[key] = append(groups[key], c)
	}

	items := make([]RecurringItem, 0, len(groups))
	for _, txns := range groups {
		if len(txns) < 2 {
			continue
		}

		// Candidates arrive date-ordered, so gaps come straight off the list.
		gaps := make([]int, len(txns)-1)
		for i := 1; i < len(txns); i++ {
			gaps[i-1] = int(txns[i].Date.Sub(txns[i-1].Date).Hours() / 24)
		}
		medianGap := medianInts(gaps)
		frequency := classifyGap(medianGap)
		if frequency == "" {
			continue
		}

		amounts := make([]decimal.Decimal, len(txns))
		for i, t := range txns {
			amounts[i] = t.Amount.Abs()
		}
		medianAmount := medianDecimals(amounts)
		factor := monthlyFactors[frequency]
		monthlyCost := medianAmount.
			Mul(decimal.NewFromInt(factor[0])).
			Div(decimal.NewFromInt(factor[1])).
			Round(2)

		last := txns[len(txns)-1]
		merchant := last.Description
		if last.MerchantName != nil {
			merchant = *last.MerchantName
		}

		items = append(items, RecurringItem{
			Merchant:      merchant,
			MerchantID:    last.MerchantID,
			Category:      last.CategoryName,
			Amount:        medianAmount.Round(2),
			Frequency:     frequency,
			Occurrences:   len(txns),
			LastCharge:    last.Date,
			NextEstimated: last.Date.AddDate(0, 0, int(math.Round(medianGap))),
			MonthlyCost:   monthlyCost,
		})
	}

	slices.SortFunc(items, func(a, b RecurringItem) int {
		return b.MonthlyCost.Cmp(a.MonthlyCost)
	})
	return items, nil
}

func classifyGap(medianDays float64) string {
	for _, r := range frequencyRanges {
		if medianDays >= r.lo && medianDays <= r.hi {
			return r.name
		}
	}
	return ""
}

func medianInts(values []int) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

func medianDecimals(values []decimal.Decimal) decimal.Decimal {
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, decimal.Decimal.Cmp)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return decimal.Avg(sorted[mid-1], sorted[mid])
}
