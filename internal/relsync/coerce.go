package relsync

import (
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
)

// dateLayouts are tried in order before the permissive fallback. Day-first
// layouts come before month-first: the notifications are written DD/MM.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"01/02/2006",
	"2006/01/02",
	"02.01.2006",
	"2 Jan 2006",
	"2 January 2006",
}

// CoerceDate parses a free-text date through the layout chain, then a
// permissive parser. Unparseable input is logged and yields nil; null dates
// are representable downstream and must not abort a sync.
func CoerceDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if at, err := time.Parse(layout, raw); err == nil {
			return &at
		}
	}
	at, err := dateparse.ParseAny(raw, dateparse.PreferMonthFirst(false))
	if err != nil {
		log.Printf("relsync: unparseable date %q", raw)
		return nil
	}
	return &at
}

var nonNumeric = regexp.MustCompile(`[^\d,]`)

// CoerceValue normalizes a money string ("R$ 1.234,56") to a decimal.
// Everything but digits and the decimal comma is stripped, the comma becomes
// a point. Unparseable or empty input yields nil.
func CoerceValue(raw string) *decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	normalized := nonNumeric.ReplaceAllString(raw, "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	if normalized == "" || normalized == "." {
		return nil
	}
	value, err := decimal.NewFromString(normalized)
	if err != nil {
		log.Printf("relsync: unparseable value %q", raw)
		return nil
	}
	return &value
}
