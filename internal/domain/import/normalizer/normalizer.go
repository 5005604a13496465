// Package normalizer handles money and date parsing for bank statement rows.
// Converts the formats seen in real CSV exports into canonical values.
package normalizer

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount format")
	ErrInvalidDate   = errors.New("invalid date format")
)

// Date layouts banks actually emit, tried in order. Ambiguous slash dates
// resolve month-first; day-first only wins when month-first cannot parse.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01/02/06",
	"02/01/2006",
	"January 2, 2006",
}

// ParseDate parses a statement date string, first matching layout wins.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidDate
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidDate
}

// ParseAmount converts a statement amount string to a signed decimal.
// Accepts an optional leading "$", thousands separators, internal spaces,
// and accounting-style parentheses for negatives.
func ParseAmount(raw string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = strings.TrimPrefix(cleaned[1:len(cleaned)-1], "$")
	}

	val, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if negative {
		val = val.Neg()
	}
	return val, nil
}

var spacePattern = regexp.MustCompile(`\s+`)

// CleanDescription trims and collapses whitespace in merchant/description text.
func CleanDescription(raw string) string {
	return spacePattern.ReplaceAllString(strings.TrimSpace(raw), " ")
}
