package shipment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func longBody(order string) string {
	return "Export notification for contract " + order + ". " +
		strings.Repeat("The vessel is loading at the origin port. ", 4)
}

func stubExtractor(t *testing.T) Extractor {
	t.Helper()
	return ExtractorFunc(func(ctx context.Context, text string) (Record, error) {
		for _, order := range []string{"ORD-1", "ORD-2", "ORD-3"} {
			if strings.Contains(text, order) {
				return ValidRecord(ShipmentFields{Order: order}), nil
			}
		}
		return NoDataRecord(), nil
	})
}

func TestProcessBatchCountsOutcomes(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	if _, err := store.InsertOrReplace(docAt("ORD-1", "2024-07-10 12:00:00")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	now := time.Date(2024, 7, 10, 10, 0, 0, 0, time.UTC)
	processor := NewProcessor(ProcessorOptions{Extractor: stubExtractor(t)})
	stats, err := processor.ProcessBatch(context.Background(), store, []Message{
		// Stale duplicate of the seeded ORD-1.
		{Subject: "EXPORT SCHEDULE", Body: longBody("ORD-1"), ReceivedAt: now},
		{Subject: "EXPORT SCHEDULE", Body: longBody("ORD-2"), ReceivedAt: now},
		{Subject: "EXPORT SCHEDULE", Body: longBody("ORD-3"), ReceivedAt: now},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if stats.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if stats.Inserted != 2 || stats.Duplicates != 1 || stats.Updated != 0 || stats.Errors != 0 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if store.Metadata().TotalCount != 3 {
		t.Fatalf("expected 3 stored documents, got %d", store.Metadata().TotalCount)
	}
}

func TestProcessBatchCountsReplacement(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	if _, err := store.InsertOrReplace(docAt("ORD-1", "2024-07-10 08:00:00")); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	processor := NewProcessor(ProcessorOptions{Extractor: stubExtractor(t)})
	stats, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "EXPORT SCHEDULE", Body: longBody("ORD-1"), ReceivedAt: time.Date(2024, 7, 10, 12, 0, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if stats.Updated != 1 || stats.Inserted != 0 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
}

func TestProcessBatchShortTextBecomesInsufficient(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	var extractorCalls int
	processor := NewProcessor(ProcessorOptions{
		Extractor: ExtractorFunc(func(ctx context.Context, text string) (Record, error) {
			extractorCalls++
			return NoDataRecord(), nil
		}),
	})
	stats, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "EXPORT SCHEDULE", Body: "too short", ReceivedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if extractorCalls != 0 {
		t.Fatalf("short documents must not reach the extractor")
	}
	if stats.Inserted != 1 {
		t.Fatalf("short documents are still recorded: %+v", stats)
	}
	snapshot, err := store.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := snapshot.Documents[0].Record.Disposition; got != DispositionInsufficientText {
		t.Fatalf("expected INSUFFICIENT_TEXT, got %s", got)
	}
}

func TestProcessBatchIsolatesExtractionFailures(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	processor := NewProcessor(ProcessorOptions{
		Extractor: ExtractorFunc(func(ctx context.Context, text string) (Record, error) {
			if strings.Contains(text, "ORD-2") {
				return Record{}, errors.New("service choked")
			}
			if strings.Contains(text, "ORD-1") {
				return ValidRecord(ShipmentFields{Order: "ORD-1"}), nil
			}
			return ValidRecord(ShipmentFields{Order: "ORD-3"}), nil
		}),
	})
	stats, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "a", Body: longBody("ORD-1"), ReceivedAt: time.Now()},
		{Subject: "b", Body: longBody("ORD-2"), ReceivedAt: time.Now()},
		{Subject: "c", Body: longBody("ORD-3"), ReceivedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("one bad document must not abort the batch: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 error, got %+v", stats)
	}
	if stats.Inserted != 3 {
		t.Fatalf("error records are still stored, got %+v", stats)
	}
	if _, _, err := store.FindByKey("ORD-3"); err != nil {
		t.Fatalf("later documents must survive an earlier failure: %v", err)
	}
}

func TestProcessBatchStoreFailureAborts(t *testing.T) {
	backend := &failingBackend{}
	store := mustStore(t, StoreOptions{StateBackend: backend})
	processor := NewProcessor(ProcessorOptions{Extractor: stubExtractor(t)})
	_, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "a", Body: longBody("ORD-1"), ReceivedAt: time.Now()},
	})
	if err == nil {
		t.Fatalf("store failures must abort the batch")
	}
}

func TestProcessBatchEmptyInput(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	processor := NewProcessor(ProcessorOptions{Extractor: stubExtractor(t)})
	stats, err := processor.ProcessBatch(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if stats.Total() != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}

func TestProcessBatchSeqContinuesAcrossRuns(t *testing.T) {
	store := mustStore(t, StoreOptions{})
	processor := NewProcessor(ProcessorOptions{Extractor: stubExtractor(t)})
	now := time.Now()
	if _, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "a", Body: longBody("ORD-1"), ReceivedAt: now},
	}); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if _, err := processor.ProcessBatch(context.Background(), store, []Message{
		{Subject: "b", Body: longBody("ORD-2"), ReceivedAt: now},
	}); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	_, doc, err := store.FindByKey("ORD-2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if doc.Seq != 2 {
		t.Fatalf("sequence must continue across runs, got %d", doc.Seq)
	}
}
