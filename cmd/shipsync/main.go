package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/shipsync/internal/httpapi"
	"github.com/agentworkforce/shipsync/internal/relsync"
	"github.com/agentworkforce/shipsync/internal/sheetsync"
	"github.com/agentworkforce/shipsync/internal/shipment"
)

func main() {
	once := flag.Bool("once", false, "process one batch and exit instead of polling")
	all := flag.Bool("all", false, "ignore the checkpoint and fetch every matching document")
	reconcile := flag.Bool("sheet", true, "reconcile the workbook after each batch when SHIPSYNC_WORKBOOK is set")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := strings.TrimSpace(os.Getenv("SHIPSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".shipsync"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory %s: %v", dataDir, err)
	}

	events := shipment.NewEventHub()
	store, err := buildStoreFromEnv(dataDir, events)
	if err != nil {
		log.Fatalf("failed to initialize document store: %v", err)
	}
	defer store.Close()

	syncer, err := relsync.Open(ctx, databaseDSNFromEnv(dataDir))
	if err != nil {
		log.Fatalf("failed to open relational database: %v", err)
	}
	defer syncer.Close()

	server := httpapi.NewServer(store, events, httpapi.ServerConfig{
		Token: os.Getenv("SHIPSYNC_API_TOKEN"),
	})
	startStatusServer(server)

	workbook := buildWorkbookFromEnv(*reconcile)
	afterBatch := func(ctx context.Context, stats shipment.BatchStats) error {
		server.RecordBatch(stats)
		snapshot, err := store.Snapshot()
		if err != nil {
			return err
		}
		counts, err := syncer.Sync(ctx, snapshot)
		if err != nil {
			return err
		}
		server.RecordSync(counts)
		if workbook == nil {
			return nil
		}
		rows, err := syncer.Rows(ctx)
		if err != nil {
			return err
		}
		_, err = sheetsync.ReconcileWorkbook(workbook, rows,
			os.Getenv("SHIPSYNC_KEY_COLUMN"), nil)
		return err
	}

	processor := shipment.NewProcessor(shipment.ProcessorOptions{
		Extractor: shipment.NewOllamaExtractor(shipment.OllamaExtractorOptions{
			BaseURL: os.Getenv("SHIPSYNC_OLLAMA_URL"),
			Model:   os.Getenv("SHIPSYNC_MODEL"),
			Timeout: durationEnv("SHIPSYNC_EXTRACT_TIMEOUT", 0),
		}),
		MinTextLen:     intEnv("SHIPSYNC_MIN_TEXT_LEN", 0),
		ExtractTimeout: durationEnv("SHIPSYNC_EXTRACT_TIMEOUT", 0),
		Workers:        intEnv("SHIPSYNC_WORKERS", 0),
		Events:         events,
	})
	monitor, err := shipment.NewMonitor(shipment.MonitorOptions{
		Source: shipment.NewHTTPMailSource(shipment.HTTPMailSourceOptions{
			BaseURL:       os.Getenv("SHIPSYNC_MAIL_URL"),
			Token:         os.Getenv("SHIPSYNC_MAIL_TOKEN"),
			SubjectFilter: os.Getenv("SHIPSYNC_SUBJECT_FILTER"),
		}),
		Processor:  processor,
		Store:      store,
		Checkpoint: shipment.NewCheckpoint(filepath.Join(dataDir, "last_checked.json")),
		Interval:   durationEnv("SHIPSYNC_POLL_INTERVAL", 0),
		AfterBatch: afterBatch,
	})
	if err != nil {
		log.Fatalf("failed to configure monitor: %v", err)
	}

	if *once {
		stats, err := monitor.RunOnce(ctx, *all)
		if err != nil {
			log.Fatalf("run failed: %v", err)
		}
		log.Printf("run %s complete: inserted=%d updated=%d duplicates=%d errors=%d",
			stats.RunID, stats.Inserted, stats.Updated, stats.Duplicates, stats.Errors)
		return
	}
	if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("monitor failed: %v", err)
	}
	log.Printf("shutting down")
}

func buildStoreFromEnv(dataDir string, events *shipment.EventHub) (*shipment.DocumentStore, error) {
	dsn := strings.TrimSpace(os.Getenv("SHIPSYNC_STATE_BACKEND_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("SHIPSYNC_STATE_FILE"))
	}
	if dsn == "" {
		dsn = "file://" + filepath.Join(dataDir, "processed_docs.json")
	}
	backend, err := shipment.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return shipment.NewDocumentStore(shipment.StoreOptions{
		StateBackend: backend,
		CacheTTL:     durationEnv("SHIPSYNC_CACHE_TTL", 0),
		Events:       events,
	})
}

func databaseDSNFromEnv(dataDir string) string {
	dsn := strings.TrimSpace(os.Getenv("SHIPSYNC_DB_DSN"))
	if dsn == "" {
		dsn = filepath.Join(dataDir, "shipments.db")
	}
	return dsn
}

func buildWorkbookFromEnv(enabled bool) *sheetsync.Workbook {
	path := strings.TrimSpace(os.Getenv("SHIPSYNC_WORKBOOK"))
	if !enabled || path == "" {
		return nil
	}
	sheet := strings.TrimSpace(os.Getenv("SHIPSYNC_WORKSHEET"))
	if sheet == "" {
		sheet = "Sheet1"
	}
	return sheetsync.NewWorkbook(path, sheet)
}

func startStatusServer(server *httpapi.Server) {
	addr := strings.TrimSpace(os.Getenv("SHIPSYNC_ADDR"))
	if addr == "-" {
		return
	}
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		log.Printf("status API listening on %s", addr)
		if err := http.ListenAndServe(addr, server); err != nil {
			log.Printf("status API stopped: %v", err)
		}
	}()
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
