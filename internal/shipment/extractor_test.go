package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseExtractionPayloadValidObject(t *testing.T) {
	record := ParseExtractionPayload(`{"order": "ORD-1", "vessel": "MV Atlantic", "eta": "10/07/2024"}`)
	if !record.Valid() {
		t.Fatalf("expected valid record, got %s (%s)", record.Disposition, record.Detail)
	}
	if record.Fields.Order != "ORD-1" || record.Fields.Vessel != "MV Atlantic" {
		t.Fatalf("fields not decoded: %+v", record.Fields)
	}
}

func TestParseExtractionPayloadSalvagesEmbeddedObject(t *testing.T) {
	raw := "Here is the extracted data:\n```json\n{\"order\": \"ORD-2\"}\n```\nLet me know if you need more."
	record := ParseExtractionPayload(raw)
	if !record.Valid() {
		t.Fatalf("expected salvaged record, got %s (%s)", record.Disposition, record.Detail)
	}
	if record.Fields.Order != "ORD-2" {
		t.Fatalf("unexpected order %q", record.Fields.Order)
	}
}

func TestParseExtractionPayloadNoData(t *testing.T) {
	record := ParseExtractionPayload(`{"status": "NO_DATA"}`)
	if record.Disposition != DispositionNoData {
		t.Fatalf("expected NO_DATA disposition, got %s", record.Disposition)
	}
}

func TestParseExtractionPayloadErrorKey(t *testing.T) {
	record := ParseExtractionPayload(`{"error": "document is a meeting invite"}`)
	if record.Disposition != DispositionError {
		t.Fatalf("expected ERROR disposition, got %s", record.Disposition)
	}
	if record.Detail != "document is a meeting invite" {
		t.Fatalf("detail lost: %q", record.Detail)
	}
}

func TestParseExtractionPayloadSchemaViolation(t *testing.T) {
	record := ParseExtractionPayload(`{"order": 12345}`)
	if record.Disposition != DispositionError {
		t.Fatalf("non-string field must fail the schema, got %s", record.Disposition)
	}
}

func TestParseExtractionPayloadGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "no json here", `["an", "array"]`} {
		record := ParseExtractionPayload(raw)
		if record.Disposition != DispositionError {
			t.Fatalf("payload %q: expected ERROR disposition, got %s", raw, record.Disposition)
		}
	}
}

func TestOllamaExtractorExtract(t *testing.T) {
	var gotPrompt string
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		if req.Stream {
			t.Errorf("streaming must be disabled")
		}
		json.NewEncoder(w).Encode(map[string]string{"response": `{"order": "ORD-7"}`})
	}))
	defer service.Close()

	extractor := NewOllamaExtractor(OllamaExtractorOptions{BaseURL: service.URL, Model: "test-model"})
	record, err := extractor.Extract(context.Background(), "shipment ORD-7 departs tomorrow")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if record.Fields.Order != "ORD-7" {
		t.Fatalf("unexpected record %+v", record)
	}
	if !strings.Contains(gotPrompt, "shipment ORD-7 departs tomorrow") {
		t.Fatalf("document text missing from prompt")
	}
}

func TestOllamaExtractorBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	service := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer service.Close()

	extractor := NewOllamaExtractor(OllamaExtractorOptions{
		BaseURL:                 service.URL,
		BreakerFailureThreshold: 2,
		BreakerCooldown:         time.Minute,
	})
	for i := 0; i < 2; i++ {
		if _, err := extractor.Extract(context.Background(), "text"); err == nil {
			t.Fatalf("expected failure %d", i+1)
		}
	}
	_, err := extractor.Extract(context.Background(), "text")
	if err == nil {
		t.Fatalf("expected open breaker to fail fast")
	}
	if !errors.Is(err, ErrExtractionUnavailable) {
		t.Fatalf("expected ErrExtractionUnavailable once open, got %v", err)
	}
}
