// Package sheetsync aligns the relational shipments table with one tabular
// worksheet through a three-way set reconciliation on the business key.
package sheetsync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/shipsync/internal/relsync"
)

// DefaultKeyColumn is the sheet column holding the business key.
const DefaultKeyColumn = "CONTRACT"

// ColumnMap binds one relational field to one sheet column header.
type ColumnMap struct {
	Field  string
	Column string
}

// DefaultColumnMaps mirrors the operational sheet's layout. Fields without a
// sheet column stay relational-only.
var DefaultColumnMaps = []ColumnMap{
	{Field: "ship_date", Column: "SHIP DATE"},
	{Field: "plant", Column: "PLANT"},
	{Field: "ship_type", Column: "SHIP TYPE"},
	{Field: "temperature", Column: "TEMPERATURE"},
	{Field: "order", Column: DefaultKeyColumn},
	{Field: "origin_port", Column: "ORIGIN PORT"},
	{Field: "destination_port", Column: "DESTINATION PORT"},
	{Field: "carrier", Column: "CARRIER"},
	{Field: "vessel", Column: "VESSEL"},
	{Field: "deadline", Column: "DEADLINE"},
	{Field: "booking_ref", Column: "BOOKING"},
}

// Table is one worksheet: a header row and data rows, all cells as text.
type Table struct {
	Header []string
	Rows   [][]string
}

// Stats describes one reconciliation pass.
type Stats struct {
	SheetOnly int `json:"sheetOnly"`
	Updated   int `json:"updated"`
	Added     int `json:"added"`
}

// Reconcile partitions rows on the business key: sheet-only rows are kept
// verbatim, rows present in both are rebuilt from relational data, and
// store-only rows are appended. The result is sorted by key, which makes the
// operation idempotent: reconciling the output against an unchanged
// relational set reproduces it.
func Reconcile(sheet Table, rows []relsync.ShipmentRow, keyColumn string, maps []ColumnMap) (Table, Stats, error) {
	stats := Stats{}
	if keyColumn == "" {
		keyColumn = DefaultKeyColumn
	}
	if len(maps) == 0 {
		maps = DefaultColumnMaps
	}
	keyIdx := columnIndex(sheet.Header, keyColumn)
	if keyIdx < 0 {
		return Table{}, stats, fmt.Errorf("key column %q not found in sheet header", keyColumn)
	}

	storeByKey := map[string]relsync.ShipmentRow{}
	storeOrder := []string{}
	for _, row := range rows {
		key := strings.TrimSpace(row.OrderKey)
		if key == "" {
			continue
		}
		if _, dup := storeByKey[key]; dup {
			continue
		}
		storeByKey[key] = row
		storeOrder = append(storeOrder, key)
	}

	merged := Table{Header: append([]string(nil), sheet.Header...)}
	seenSheetKeys := map[string]struct{}{}
	for _, row := range sheet.Rows {
		key := ""
		if keyIdx < len(row) {
			key = strings.TrimSpace(row[keyIdx])
		}
		if key == "" {
			// Keyless sheet rows are sheet-only by definition.
			merged.Rows = append(merged.Rows, padRow(row, len(sheet.Header)))
			stats.SheetOnly++
			continue
		}
		seenSheetKeys[key] = struct{}{}
		if store, inBoth := storeByKey[key]; inBoth {
			merged.Rows = append(merged.Rows, renderRow(sheet.Header, store, maps))
			stats.Updated++
			continue
		}
		merged.Rows = append(merged.Rows, padRow(row, len(sheet.Header)))
		stats.SheetOnly++
	}
	for _, key := range storeOrder {
		if _, matched := seenSheetKeys[key]; matched {
			continue
		}
		merged.Rows = append(merged.Rows, renderRow(sheet.Header, storeByKey[key], maps))
		stats.Added++
	}

	sort.SliceStable(merged.Rows, func(i, j int) bool {
		return cellAt(merged.Rows[i], keyIdx) < cellAt(merged.Rows[j], keyIdx)
	})
	return merged, stats, nil
}

func columnIndex(header []string, column string) int {
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(column)) {
			return i
		}
	}
	return -1
}

func cellAt(row []string, idx int) string {
	if idx < len(row) {
		return strings.TrimSpace(row[idx])
	}
	return ""
}

func padRow(row []string, width int) []string {
	padded := make([]string, width)
	copy(padded, row)
	return padded
}

// renderRow rebuilds a full sheet row from relational data: mapped columns
// are overwritten, unmapped columns are cleared (full replacement, not a
// field-level merge).
func renderRow(header []string, row relsync.ShipmentRow, maps []ColumnMap) []string {
	rendered := make([]string, len(header))
	for _, m := range maps {
		idx := columnIndex(header, m.Column)
		if idx < 0 {
			continue
		}
		rendered[idx] = fieldValue(row, m.Field)
	}
	return rendered
}

func fieldValue(row relsync.ShipmentRow, field string) string {
	switch field {
	case "ship_date":
		return formatDate(row.ShipDate)
	case "plant":
		return row.Plant
	case "ship_type":
		return row.ShipType
	case "temperature":
		return row.Temperature
	case "order":
		return row.OrderKey
	case "origin_port":
		return row.OriginPort
	case "destination_port":
		return row.DestinationPort
	case "carrier":
		return row.Carrier
	case "vessel":
		return row.Vessel
	case "deadline":
		return row.Deadline
	case "booking_ref":
		return row.BookingRef
	case "authorization_id":
		return row.AuthorizationID
	case "summary":
		return row.Summary
	case "transporter":
		return row.Transporter
	case "eta":
		return formatDate(row.ETA)
	case "order_value":
		if row.OrderValue == nil {
			return ""
		}
		return row.OrderValue.StringFixed(2)
	}
	return ""
}

func formatDate(at *time.Time) string {
	if at == nil {
		return ""
	}
	return at.Format("2006-01-02")
}
