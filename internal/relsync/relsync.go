// Package relsync reconciles the document store snapshot against the
// relational shipments table, one row per business key.
package relsync

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/agentworkforce/shipsync/internal/shipment"
)

var ErrIntegrityViolation = errors.New("relational uniqueness violation")

const (
	shipmentsTableName = "shipments"
	operationTimeout   = 5 * time.Second
)

// ShipmentRow is one relational row. Dates and the order value are nullable:
// coercion failures persist as NULL rather than blocking the record.
type ShipmentRow struct {
	ID              string
	OrderKey        string
	ShipDate        *time.Time
	Plant           string
	ShipType        string
	Temperature     string
	OriginPort      string
	DestinationPort string
	Carrier         string
	Vessel          string
	Deadline        string
	BookingRef      string
	AuthorizationID string
	Summary         string
	Transporter     string
	ETA             *time.Time
	OrderValue      *decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SyncCounts reports what one sync pass did.
type SyncCounts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Syncer owns a relational connection for the duration of sync calls.
type Syncer struct {
	db     *sql.DB
	driver string
}

// Open connects to the relational store. postgres:// and postgresql:// DSNs
// use the postgres driver; anything else is treated as a sqlite database
// path (the default deployment keeps it next to the document store).
func Open(ctx context.Context, dsn string) (*Syncer, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("relational DSN required")
	}
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping relational store: %w", err)
	}
	syncer := &Syncer{db: db, driver: driver}
	if err := syncer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return syncer, nil
}

func (s *Syncer) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Syncer) ensureSchema(ctx context.Context) error {
	schemaCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		order_key TEXT UNIQUE NOT NULL,
		ship_date DATE,
		plant TEXT,
		ship_type TEXT,
		temperature TEXT,
		origin_port TEXT,
		destination_port TEXT,
		carrier TEXT,
		vessel TEXT,
		deadline TEXT,
		booking_ref TEXT,
		authorization_id TEXT,
		summary TEXT,
		transporter TEXT,
		eta DATE,
		order_value NUMERIC(15,2),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, shipmentsTableName)
	if _, err := s.db.ExecContext(schemaCtx, query); err != nil {
		return fmt.Errorf("ensure shipments schema: %w", err)
	}
	return nil
}

// placeholder renders the driver-appropriate bind marker for a 1-based
// position.
func (s *Syncer) placeholder(position int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}

// SurrogateID derives the deterministic row id for an order key.
func SurrogateID(orderKey string) string {
	sum := sha256.Sum256([]byte(orderKey))
	return hex.EncodeToString(sum[:])[:32]
}

// RowFromDocument coerces one valid stored document into a relational row.
func RowFromDocument(doc shipment.ProcessedDocument, now time.Time) ShipmentRow {
	fields := doc.Record.Fields
	key := doc.OrderKey()
	return ShipmentRow{
		ID:              SurrogateID(key),
		OrderKey:        key,
		ShipDate:        CoerceDate(fields.ShipDate),
		Plant:           fields.Plant,
		ShipType:        fields.ShipType,
		Temperature:     fields.Temperature,
		OriginPort:      fields.OriginPort,
		DestinationPort: fields.DestinationPort,
		Carrier:         fields.Carrier,
		Vessel:          fields.Vessel,
		Deadline:        fields.Deadline,
		BookingRef:      fields.BookingRef,
		AuthorizationID: fields.AuthorizationID,
		Summary:         fields.Summary,
		Transporter:     fields.Transporter,
		ETA:             CoerceDate(fields.ETA),
		OrderValue:      CoerceValue(fields.OrderValue),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Sync walks the snapshot and reconciles every valid keyed document into the
// shipments table. One transaction covers the whole pass: per-record
// failures are counted and skipped, but durability is all-or-nothing across
// the successfully processed subset. A uniqueness violation rolls everything
// back.
func (s *Syncer) Sync(ctx context.Context, snapshot *shipment.Snapshot) (SyncCounts, error) {
	counts := SyncCounts{}
	if snapshot == nil || len(snapshot.Documents) == 0 {
		return counts, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin sync transaction: %w", err)
	}
	now := time.Now().UTC()
	for _, doc := range snapshot.Documents {
		if !doc.Record.Valid() || doc.OrderKey() == "" {
			counts.Skipped++
			continue
		}
		row := RowFromDocument(doc, now)
		applied, err := s.upsertRow(ctx, tx, row)
		if err != nil {
			if isUniqueViolation(err) {
				_ = tx.Rollback()
				return counts, fmt.Errorf("%w: order %q: %v", ErrIntegrityViolation, row.OrderKey, err)
			}
			counts.Failed++
			log.Printf("relsync: order %q failed: %v", row.OrderKey, err)
			continue
		}
		if applied {
			counts.Updated++
		} else {
			counts.Inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("commit sync transaction: %w", err)
	}
	log.Printf("relsync: inserted=%d updated=%d skipped=%d failed=%d",
		counts.Inserted, counts.Updated, counts.Skipped, counts.Failed)
	return counts, nil
}

// upsertRow updates an existing row for the key or inserts a new one.
// Returns true when an existing row was updated.
func (s *Syncer) upsertRow(ctx context.Context, tx *sql.Tx, row ShipmentRow) (bool, error) {
	execCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var existingID string
	query := fmt.Sprintf("SELECT id FROM %s WHERE order_key = %s", shipmentsTableName, s.placeholder(1))
	err := tx.QueryRowContext(execCtx, query, row.OrderKey).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insert := fmt.Sprintf(`INSERT INTO %s (
			id, order_key, ship_date, plant, ship_type, temperature,
			origin_port, destination_port, carrier, vessel, deadline,
			booking_ref, authorization_id, summary, transporter, eta,
			order_value, created_at, updated_at
		) VALUES (%s)`, shipmentsTableName, s.placeholderList(19))
		_, err := tx.ExecContext(execCtx, insert,
			row.ID, row.OrderKey, nullTime(row.ShipDate), row.Plant, row.ShipType, row.Temperature,
			row.OriginPort, row.DestinationPort, row.Carrier, row.Vessel, row.Deadline,
			row.BookingRef, row.AuthorizationID, row.Summary, row.Transporter, nullTime(row.ETA),
			nullDecimal(row.OrderValue), row.CreatedAt, row.UpdatedAt)
		return false, err
	case err != nil:
		return false, err
	}

	update := fmt.Sprintf(`UPDATE %s SET
		ship_date = %s, plant = %s, ship_type = %s, temperature = %s,
		origin_port = %s, destination_port = %s, carrier = %s, vessel = %s,
		deadline = %s, booking_ref = %s, authorization_id = %s, summary = %s,
		transporter = %s, eta = %s, order_value = %s, updated_at = %s
		WHERE order_key = %s`,
		shipmentsTableName,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11), s.placeholder(12),
		s.placeholder(13), s.placeholder(14), s.placeholder(15), s.placeholder(16),
		s.placeholder(17))
	_, err = tx.ExecContext(execCtx, update,
		nullTime(row.ShipDate), row.Plant, row.ShipType, row.Temperature,
		row.OriginPort, row.DestinationPort, row.Carrier, row.Vessel,
		row.Deadline, row.BookingRef, row.AuthorizationID, row.Summary,
		row.Transporter, nullTime(row.ETA), nullDecimal(row.OrderValue), time.Now().UTC(),
		row.OrderKey)
	return true, err
}

func (s *Syncer) placeholderList(count int) string {
	markers := make([]string, count)
	for i := range markers {
		markers[i] = s.placeholder(i + 1)
	}
	return strings.Join(markers, ", ")
}

// Rows returns all shipment rows ordered by business key, for the
// spreadsheet reconciler.
func (s *Syncer) Rows(ctx context.Context) ([]ShipmentRow, error) {
	queryCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT id, order_key, ship_date, plant, ship_type, temperature,
		origin_port, destination_port, carrier, vessel, deadline,
		booking_ref, authorization_id, summary, transporter, eta,
		order_value, created_at, updated_at
		FROM %s ORDER BY order_key`, shipmentsTableName)
	rows, err := s.db.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer rows.Close()

	var result []ShipmentRow
	for rows.Next() {
		var row ShipmentRow
		var shipDate, eta sql.NullTime
		var orderValue sql.NullString
		if err := rows.Scan(
			&row.ID, &row.OrderKey, &shipDate, &row.Plant, &row.ShipType, &row.Temperature,
			&row.OriginPort, &row.DestinationPort, &row.Carrier, &row.Vessel, &row.Deadline,
			&row.BookingRef, &row.AuthorizationID, &row.Summary, &row.Transporter, &eta,
			&orderValue, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shipment row: %w", err)
		}
		if shipDate.Valid {
			at := shipDate.Time
			row.ShipDate = &at
		}
		if eta.Valid {
			at := eta.Time
			row.ETA = &at
		}
		if orderValue.Valid && strings.TrimSpace(orderValue.String) != "" {
			if value, err := decimal.NewFromString(orderValue.String); err == nil {
				row.OrderValue = &value
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func nullTime(at *time.Time) any {
	if at == nil {
		return nil
	}
	return *at
}

func nullDecimal(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.StringFixed(2)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
