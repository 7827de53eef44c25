package shipment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// MinCleanedTextLen is the shortest cleaned body worth sending to the
// extraction service; anything below is recorded as INSUFFICIENT_TEXT.
const MinCleanedTextLen = 80

// BatchStats are per-run counters. They are telemetry derived from the
// store's authoritative outcomes; they are not an audit log.
type BatchStats struct {
	RunID      string `json:"runId"`
	Inserted   int    `json:"inserted"`
	Updated    int    `json:"updated"`
	Duplicates int    `json:"duplicates"`
	Errors     int    `json:"errors"`
}

func (s BatchStats) Total() int {
	return s.Inserted + s.Updated + s.Duplicates
}

// ProcessorOptions configures a batch Processor.
type ProcessorOptions struct {
	Extractor      Extractor
	MinTextLen     int
	ExtractTimeout time.Duration
	Workers        int
	Events         *EventHub
}

// Processor drives raw documents through cleaning, extraction, and store
// mutation. Extraction calls run on a bounded pool; store mutations are
// applied strictly in arrival order, one at a time, so later documents in a
// run observe the effects of earlier ones.
type Processor struct {
	extractor      Extractor
	minTextLen     int
	extractTimeout time.Duration
	workers        int
	events         *EventHub
}

func NewProcessor(opts ProcessorOptions) *Processor {
	minTextLen := opts.MinTextLen
	if minTextLen <= 0 {
		minTextLen = MinCleanedTextLen
	}
	extractTimeout := opts.ExtractTimeout
	if extractTimeout <= 0 {
		extractTimeout = 2 * time.Minute
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		extractor:      opts.Extractor,
		minTextLen:     minTextLen,
		extractTimeout: extractTimeout,
		workers:        workers,
		events:         opts.Events,
	}
}

// ProcessBatch processes messages in arrival order. Extraction failures for
// one document become ERROR records and never abort the run; store failures
// do abort, leaving prior documents committed.
func (p *Processor) ProcessBatch(ctx context.Context, store *DocumentStore, messages []Message) (BatchStats, error) {
	stats := BatchStats{RunID: ulid.Make().String()}
	if len(messages) == 0 {
		return stats, nil
	}
	log.Printf("batch %s: processing %d documents", stats.RunID, len(messages))

	records := make([]Record, len(messages))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)
	for i := range messages {
		i := i
		group.Go(func() error {
			records[i] = p.extractOne(groupCtx, messages[i])
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	for i, message := range messages {
		record := records[i]
		if record.Disposition == DispositionError {
			stats.Errors++
		}
		doc := NewProcessedDocument(message.Subject, message.Sender, message.ReceivedAt, record)
		outcome, err := store.InsertOrReplace(doc)
		if err != nil {
			return stats, fmt.Errorf("batch %s: store document %d: %w", stats.RunID, i+1, err)
		}
		switch outcome {
		case Inserted:
			stats.Inserted++
		case Replaced:
			stats.Updated++
			log.Printf("batch %s: updated order %q with more recent data", stats.RunID, doc.OrderKey())
		case RejectedDuplicate:
			stats.Duplicates++
			log.Printf("batch %s: order %q already stored with more recent data", stats.RunID, doc.OrderKey())
		}
	}

	if p.events != nil {
		p.events.Publish(Event{
			Type:      EventBatchCompleted,
			RunID:     stats.RunID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	log.Printf("batch %s: inserted=%d updated=%d duplicates=%d errors=%d",
		stats.RunID, stats.Inserted, stats.Updated, stats.Duplicates, stats.Errors)
	return stats, nil
}

func (p *Processor) extractOne(ctx context.Context, message Message) Record {
	cleaned := CleanText(message.Body)
	if len(cleaned) < p.minTextLen {
		return InsufficientTextRecord()
	}
	if p.extractor == nil {
		return ErrorRecord("no extractor configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	defer cancel()
	record, err := p.extractor.Extract(callCtx, "SUBJECT: "+message.Subject+"\n\n"+cleaned)
	if err != nil {
		log.Printf("extraction failed for %q: %v", message.Subject, err)
		return ErrorRecord(err.Error())
	}
	return record
}
