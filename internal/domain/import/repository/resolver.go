package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Resolver query constants.
const (
	querySelectMerchant         = `SELECT id, location FROM merchants WHERE user_id IS NOT DISTINCT FROM $1 AND name = $2`
	queryInsertMerchant         = `INSERT INTO merchants (user_id, name, location) VALUES ($1, $2, $3) RETURNING id`
	queryUpdateMerchantLocation = `UPDATE merchants SET location = $1 WHERE id = $2`

	querySelectCategory = `SELECT id FROM categories WHERE user_id IS NOT DISTINCT FROM $1 AND name = $2`
	queryInsertCategory = `INSERT INTO categories (user_id, name) VALUES ($1, $2) RETURNING id`

	querySelectSubcategory = `SELECT id FROM subcategories WHERE category_id = $1 AND name = $2`
	queryInsertSubcategory = `INSERT INTO subcategories (category_id, name) VALUES ($1, $2) RETURNING id`

	querySelectCardHolder = `SELECT id FROM card_holders WHERE user_id IS NOT DISTINCT FROM $1 AND card_number = $2`
	queryInsertCardHolder = `INSERT INTO card_holders (user_id, card_number) VALUES ($1, $2) RETURNING id`
)

type merchantEntry struct {
	id          uuid.UUID
	hasLocation bool
}

type subcategoryKey struct {
	categoryID uuid.UUID
	name       string
}

// ResolutionCaches hold the entity lookups already performed during one
// enrichment run. One instance is owned by exactly one run and shared across
// its batches; batches are applied serially, so no locking is needed.
type ResolutionCaches struct {
	merchants     map[string]merchantEntry
	categories    map[string]uuid.UUID
	subcategories map[subcategoryKey]uuid.UUID
	cardHolders   map[string]uuid.UUID
}

func NewResolutionCaches() *ResolutionCaches {
	return &ResolutionCaches{
		merchants:     make(map[string]merchantEntry),
		categories:    make(map[string]uuid.UUID),
		subcategories: make(map[subcategoryKey]uuid.UUID),
		cardHolders:   make(map[string]uuid.UUID),
	}
}

// querier is the slice of pgx.Tx the resolver needs; mutations run on the
// same transaction as the batch's inserts so a resolution failure aborts the
// whole batch.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type entityResolver struct {
	q      querier
	userID *uuid.UUID
	caches *ResolutionCaches
}

func newEntityResolver(q querier, userID *uuid.UUID, caches *ResolutionCaches) *entityResolver {
	return &entityResolver{q: q, userID: userID, caches: caches}
}

// resolveMerchant finds or creates a merchant by name. Location is
// fill-only: a later non-null location backfills a stored null, including
// when the merchant was already resolved earlier in this run; a later null
// never clears a stored location.
func (r *entityResolver) resolveMerchant(ctx context.Context, name string, location *string) (uuid.UUID, error) {
	if entry, ok := r.caches.merchants[name]; ok {
		if !entry.hasLocation && location != nil {
			if _, err := r.q.Exec(ctx, queryUpdateMerchantLocation, location, entry.id); err != nil {
				return uuid.Nil, fmt.Errorf("failed to backfill merchant location: %w", err)
			}
			entry.hasLocation = true
			r.caches.merchants[name] = entry
		}
		return entry.id, nil
	}

	var (
		id     uuid.UUID
		stored *string
	)
	err := r.q.QueryRow(ctx, querySelectMerchant, r.userID, name).Scan(&id, &stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := r.q.QueryRow(ctx, queryInsertMerchant, r.userID, name, location).Scan(&id); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert merchant: %w", err)
		}
		stored = location
	case err != nil:
		return uuid.Nil, fmt.Errorf("failed to query merchant: %w", err)
	default:
		if stored == nil && location != nil {
			if _, err := r.q.Exec(ctx, queryUpdateMerchantLocation, location, id); err != nil {
				return uuid.Nil, fmt.Errorf("failed to backfill merchant location: %w", err)
			}
			stored = location
		}
	}

	r.caches.merchants[name] = merchantEntry{id: id, hasLocation: stored != nil}
	return id, nil
}

func (r *entityResolver) resolveCategory(ctx context.Context, name string) (uuid.UUID, error) {
	if id, ok := r.caches.categories[name]; ok {
		return id, nil
	}

	var id uuid.UUID
	err := r.q.QueryRow(ctx, querySelectCategory, r.userID, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.q.QueryRow(ctx, queryInsertCategory, r.userID, name).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert category: %w", err)
		}
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query category: %w", err)
	}

	r.caches.categories[name] = id
	return id, nil
}

func (r *entityResolver) resolveSubcategory(ctx context.Context, categoryID uuid.UUID, name string) (uuid.UUID, error) {
	key := subcategoryKey{categoryID: categoryID, name: name}
	if id, ok := r.caches.subcategories[key]; ok {
		return id, nil
	}

	var id uuid.UUID
	err := r.q.QueryRow(ctx, querySelectSubcategory, categoryID, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.q.QueryRow(ctx, queryInsertSubcategory, categoryID, name).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert subcategory: %w", err)
		}
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query subcategory: %w", err)
	}

	r.caches.subcategories[key] = id
	return id, nil
}

func (r *entityResolver) resolveCardHolder(ctx context.Context, cardNumber string) (uuid.UUID, error) {
	if id, ok := r.caches.cardHolders[cardNumber]; ok {
		return id, nil
	}

	var id uuid.UUID
	err := r.q.QueryRow(ctx, querySelectCardHolder, r.userID, cardNumber).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.q.QueryRow(ctx, queryInsertCardHolder, r.userID, cardNumber).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert card holder: %w", err)
		}
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("failed to query card holder: %w", err)
	}

	r.caches.cardHolders[cardNumber] = id
	return id, nil
}

// resolveClassification turns classification name fields into entity ids.
// The subcategory link is all-or-nothing: it is only created when both the
// category and subcategory names are present.
func (r *entityResolver) resolveClassification(ctx context.Context, merchantName, merchantLocation, category, subcategory, cardNumber *string) (merchantID, subcategoryID, cardHolderID *uuid.UUID, err error) {
	if merchantName != nil && *merchantName != "" {
		id, err := r.resolveMerchant(ctx, *merchantName, merchantLocation)
		if err != nil {
			return nil, nil, nil, err
		}
		merchantID = &id
	}

	if category != nil && *category != "" && subcategory != nil && *subcategory != "" {
		catID, err := r.resolveCategory(ctx, *category)
		if err != nil {
			return nil, nil, nil, err
		}
		subID, err := r.resolveSubcategory(ctx, catID, *subcategory)
		if err != nil {
			return nil, nil, nil, err
		}
		subcategoryID = &subID
	}

	if cardNumber != nil && *cardNumber != "" {
		id, err := r.resolveCardHolder(ctx, *cardNumber)
		if err != nil {
			return nil, nil, nil, err
		}
		cardHolderID = &id
	}

	return merchantID, subcategoryID, cardHolderID, nil
}
