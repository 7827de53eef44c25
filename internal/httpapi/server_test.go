package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/shipsync/internal/relsync"
	"github.com/agentworkforce/shipsync/internal/shipment"
)

func testServer(t *testing.T, config ServerConfig) (*Server, *shipment.DocumentStore) {
	t.Helper()
	events := shipment.NewEventHub()
	store, err := shipment.NewDocumentStore(shipment.StoreOptions{Events: events})
	if err != nil {
		t.Fatalf("NewDocumentStore: %v", err)
	}
	t.Cleanup(store.Close)
	return NewServer(store, events, config), store
}

func seedDocument(t *testing.T, store *shipment.DocumentStore, order string) {
	t.Helper()
	doc := shipment.NewProcessedDocument("EXPORT SCHEDULE", "ops@example.test",
		time.Date(2024, 7, 10, 10, 0, 0, 0, time.UTC),
		shipment.ValidRecord(shipment.ShipmentFields{Order: order}))
	if _, err := store.InsertOrReplace(doc); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server, store := testServer(t, ServerConfig{})
	seedDocument(t, store, "ORD-1")

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snapshot shipment.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot.Documents) != 1 || snapshot.Documents[0].OrderKey() != "ORD-1" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestSnapshotRejectsNonGet(t *testing.T) {
	server, _ := testServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/snapshot", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, store := testServer(t, ServerConfig{})
	seedDocument(t, store, "ORD-1")
	server.RecordBatch(shipment.BatchStats{RunID: "run-1", Inserted: 1})
	server.RecordSync(relsync.SyncCounts{Inserted: 1})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Store     shipment.Metadata   `json:"store"`
		LastBatch shipment.BatchStats `json:"lastBatch"`
		LastSync  relsync.SyncCounts  `json:"lastSync"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Store.TotalCount != 1 {
		t.Fatalf("unexpected store metadata %+v", body.Store)
	}
	if body.LastBatch.RunID != "run-1" || body.LastSync.Inserted != 1 {
		t.Fatalf("unexpected counters %+v %+v", body.LastBatch, body.LastSync)
	}
}

func TestBearerTokenGuard(t *testing.T) {
	server, _ := testServer(t, ServerConfig{Token: "sekrit"})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
}

func TestEventFeed(t *testing.T) {
	server, store := testServer(t, ServerConfig{})
	listener := httptest.NewServer(server)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, listener.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the handler a beat to register its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	seedDocument(t, store, "ORD-1")

	var event shipment.Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != shipment.EventDocumentInserted || event.OrderKey != "ORD-1" {
		t.Fatalf("unexpected event %+v", event)
	}
}
