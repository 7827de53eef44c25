package sheetsync

import (
	"log"

	"github.com/agentworkforce/shipsync/internal/relsync"
)

// ReconcileWorkbook runs one full pass: read the named sheet, three-way
// merge against the relational rows, write the merged sheet back. Open,
// reconcile, close — no streamed or partial writes.
func ReconcileWorkbook(workbook *Workbook, rows []relsync.ShipmentRow, keyColumn string, maps []ColumnMap) (Stats, error) {
	sheet, err := workbook.ReadSheet()
	if err != nil {
		return Stats{}, err
	}
	merged, stats, err := Reconcile(sheet, rows, keyColumn, maps)
	if err != nil {
		return stats, err
	}
	if err := workbook.WriteSheet(merged); err != nil {
		return stats, err
	}
	log.Printf("sheetsync: sheetOnly=%d updated=%d added=%d", stats.SheetOnly, stats.Updated, stats.Added)
	return stats, nil
}
