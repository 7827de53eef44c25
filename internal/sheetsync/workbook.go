package sheetsync

import (
	"fmt"
	"log"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Workbook reads and replaces exactly one named sheet of an xlsx file. All
// other sheets pass through a reconciliation untouched.
type Workbook struct {
	Path  string
	Sheet string
}

func NewWorkbook(path, sheet string) *Workbook {
	return &Workbook{Path: strings.TrimSpace(path), Sheet: strings.TrimSpace(sheet)}
}

// ReadSheet loads the named sheet as a table. The first row is the header.
func (w *Workbook) ReadSheet() (Table, error) {
	file, err := excelize.OpenFile(w.Path)
	if err != nil {
		return Table{}, fmt.Errorf("open workbook %s: %w", w.Path, err)
	}
	defer closeWorkbook(file)

	rows, err := file.GetRows(w.Sheet)
	if err != nil {
		return Table{}, fmt.Errorf("read sheet %q: %w", w.Sheet, err)
	}
	if len(rows) == 0 {
		return Table{}, fmt.Errorf("sheet %q has no header row", w.Sheet)
	}
	table := Table{Header: rows[0]}
	for _, row := range rows[1:] {
		table.Rows = append(table.Rows, padRow(row, len(table.Header)))
	}
	return table, nil
}

// WriteSheet replaces the named sheet's contents with the table, leaving
// every other sheet as-is. The whole workbook is rewritten in one pass; no
// partial writes.
func (w *Workbook) WriteSheet(table Table) error {
	file, err := excelize.OpenFile(w.Path)
	if err != nil {
		return fmt.Errorf("open workbook %s: %w", w.Path, err)
	}
	defer closeWorkbook(file)

	if idx, err := file.GetSheetIndex(w.Sheet); err != nil {
		return fmt.Errorf("locate sheet %q: %w", w.Sheet, err)
	} else if idx >= 0 {
		if err := file.DeleteSheet(w.Sheet); err != nil {
			return fmt.Errorf("clear sheet %q: %w", w.Sheet, err)
		}
	}
	if _, err := file.NewSheet(w.Sheet); err != nil {
		return fmt.Errorf("recreate sheet %q: %w", w.Sheet, err)
	}
	if err := file.SetSheetRow(w.Sheet, "A1", &table.Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range table.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		rowCopy := row
		if err := file.SetSheetRow(w.Sheet, cell, &rowCopy); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := file.Save(); err != nil {
		return fmt.Errorf("save workbook %s: %w", w.Path, err)
	}
	return nil
}

func closeWorkbook(file *excelize.File) {
	if err := file.Close(); err != nil {
		log.Printf("close workbook: %v", err)
	}
}
