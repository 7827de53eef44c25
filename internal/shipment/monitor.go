package shipment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is how often the continuous monitor checks for new
// documents.
const DefaultPollInterval = 60 * time.Second

// MonitorOptions wires the pipeline driver.
type MonitorOptions struct {
	Source     Source
	Processor  *Processor
	Store      *DocumentStore
	Checkpoint *Checkpoint
	Interval   time.Duration
	// AfterBatch runs downstream propagation (relational sync, spreadsheet
	// reconciliation) after a successful batch. Optional.
	AfterBatch func(ctx context.Context, stats BatchStats) error
}

// Monitor owns the retrieval checkpoint and drives one-shot and continuous
// processing.
type Monitor struct {
	source     Source
	processor  *Processor
	store      *DocumentStore
	checkpoint *Checkpoint
	interval   time.Duration
	afterBatch func(ctx context.Context, stats BatchStats) error
}

func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Source == nil || opts.Processor == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: monitor requires source, processor, and store", ErrInvalidInput)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		source:     opts.Source,
		processor:  opts.Processor,
		store:      opts.Store,
		checkpoint: opts.Checkpoint,
		interval:   interval,
		afterBatch: opts.AfterBatch,
	}, nil
}

// RunOnce fetches documents since the checkpoint (or all documents when
// ignoreCheckpoint is set), processes them, and advances the checkpoint to
// the fetch start time. Connectivity failures abort the run.
func (m *Monitor) RunOnce(ctx context.Context, ignoreCheckpoint bool) (BatchStats, error) {
	var since *time.Time
	if !ignoreCheckpoint && m.checkpoint != nil {
		since = m.checkpoint.Load()
	}
	start := time.Now()

	messages, err := m.source.Fetch(ctx, since)
	if err != nil {
		return BatchStats{}, fmt.Errorf("fetch documents: %w", err)
	}
	if len(messages) == 0 {
		log.Printf("no new documents")
		return BatchStats{}, nil
	}

	stats, err := m.processor.ProcessBatch(ctx, m.store, messages)
	if err != nil {
		return stats, err
	}
	if m.checkpoint != nil {
		if err := m.checkpoint.Save(start); err != nil {
			log.Printf("save checkpoint: %v", err)
		}
	}
	if m.afterBatch != nil {
		if err := m.afterBatch(ctx, stats); err != nil {
			return stats, fmt.Errorf("propagate batch: %w", err)
		}
	}
	return stats, nil
}

// Run polls on the configured interval until the context is canceled. An
// unreachable collaborator is logged and retried on the next tick; only
// context cancellation stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("monitoring for new documents every %s", m.interval)
	job := func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.RunOnce(ctx, false); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("poll failed (retrying next interval): %v", err)
		}
	}
	job()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", m.interval), job); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	scheduler.Start()
	<-ctx.Done()
	stop := scheduler.Stop()
	<-stop.Done()
	return ctx.Err()
}
