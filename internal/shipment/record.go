package shipment

import (
	"fmt"
	"strings"
	"time"
)

// ReceiptTimeLayout is the second-precision, timezone-naive layout used for
// document receipt timestamps throughout the store and the resolver.
const ReceiptTimeLayout = "2006-01-02 15:04:05"

// Disposition classifies the outcome of one extraction attempt.
type Disposition string

const (
	DispositionOK               Disposition = "OK"
	DispositionNoData           Disposition = "NO_DATA"
	DispositionInsufficientText Disposition = "INSUFFICIENT_TEXT"
	DispositionError            Disposition = "ERROR"
)

// ShipmentFields is the structured payload extracted from one notification.
// All fields are free text as returned by the extraction service; typing
// happens downstream in the relational sync.
type ShipmentFields struct {
	ShipDate        string `json:"ship_date"`
	Plant           string `json:"plant"`
	ShipType        string `json:"ship_type"`
	Temperature     string `json:"temperature"`
	Order           string `json:"order"`
	OriginPort      string `json:"origin_port"`
	DestinationPort string `json:"destination_port"`
	Carrier         string `json:"carrier"`
	Vessel          string `json:"vessel"`
	Deadline        string `json:"deadline"`
	BookingRef      string `json:"booking_ref"`
	AuthorizationID string `json:"authorization_id"`
	Summary         string `json:"summary"`
	Transporter     string `json:"transporter"`
	ETA             string `json:"eta"`
	OrderValue      string `json:"order_value"`
}

// Record is the tagged result of processing one document: a valid field set,
// a recognized-but-empty document, input too short to extract, or an
// extraction failure carried as data.
type Record struct {
	Disposition Disposition    `json:"disposition"`
	Fields      ShipmentFields `json:"fields,omitempty"`
	Detail      string         `json:"detail,omitempty"`
}

func ValidRecord(fields ShipmentFields) Record {
	return Record{Disposition: DispositionOK, Fields: fields}
}

func NoDataRecord() Record {
	return Record{Disposition: DispositionNoData}
}

func InsufficientTextRecord() Record {
	return Record{Disposition: DispositionInsufficientText}
}

func ErrorRecord(detail string) Record {
	return Record{Disposition: DispositionError, Detail: detail}
}

// Valid reports whether the record carries usable shipment data.
func (r Record) Valid() bool {
	return r.Disposition == DispositionOK
}

// OrderKey returns the trimmed business key. Empty means the record cannot
// participate in deduplication.
func (r Record) OrderKey() string {
	if r.Disposition != DispositionOK {
		return ""
	}
	return strings.TrimSpace(r.Fields.Order)
}

// ProcessedDocument wraps a Record with processing metadata. Identity for
// reconciliation is the Record's order key, not the sequence number.
type ProcessedDocument struct {
	Seq         int    `json:"seq"`
	Subject     string `json:"subject"`
	ReceivedAt  string `json:"received_at"`
	Sender      string `json:"sender"`
	ProcessedAt string `json:"processed_at"`
	Record      Record `json:"record"`
}

// NewProcessedDocument builds a document for a record received at the given
// time. The sequence number is assigned by the store on insertion.
func NewProcessedDocument(subject, sender string, receivedAt time.Time, record Record) ProcessedDocument {
	return ProcessedDocument{
		Subject:     subject,
		ReceivedAt:  receivedAt.Format(ReceiptTimeLayout),
		Sender:      sender,
		ProcessedAt: time.Now().UTC().Format(time.RFC3339),
		Record:      record,
	}
}

// OrderKey is the document's deduplication key; empty for documents whose
// record carries no usable data.
func (d ProcessedDocument) OrderKey() string {
	return d.Record.OrderKey()
}

func (d ProcessedDocument) String() string {
	key := d.OrderKey()
	if key == "" {
		key = "<no key>"
	}
	return fmt.Sprintf("doc seq=%d key=%s received=%s", d.Seq, key, d.ReceivedAt)
}
