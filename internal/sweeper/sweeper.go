// Package sweeper reconciles stranded notifications. A record is stranded
// when it was persisted but its queue message was lost, typically because
// the broker publish failed after the database commit. The sweeper
// periodically republishes delivery messages for pending records older than
// a minimum age.
package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/storage"
)

// batchSize caps how many stranded records one sweep republishes.
const batchSize = 100

// Config holds the sweeper configuration.
type Config struct {
	Store     storage.NotificationStore
	Publisher queue.Publisher
	Logger    *slog.Logger
	// Interval is how often the sweep runs.
	Interval time.Duration
	// MinAge is how long a record must have been pending before the sweep
	// considers it stranded. Must comfortably exceed normal delivery time so
	// in-flight messages are not duplicated.
	MinAge time.Duration
}

// Sweeper republishes stale pending notifications on a fixed schedule.
type Sweeper struct {
	cron   gocron.Scheduler
	cfg    Config
	logger *slog.Logger
}

// New creates a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 10 * time.Minute
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating sweep scheduler: %w", err)
	}
	return &Sweeper{cron: cron, cfg: cfg, logger: cfg.Logger}, nil
}

// Start schedules the periodic sweep and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("reconciliation sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("reconciliation sweep republished stranded notifications", "count", n)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("scheduling reconciliation sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reconciliation sweeper started",
		"interval", s.cfg.Interval, "min_age", s.cfg.MinAge)
	return nil
}

// Stop shuts down the scheduler.
func (s *Sweeper) Stop() error {
	return s.cron.Shutdown()
}

// Sweep republishes delivery messages for stale pending records and returns
// how many were republished. Safe to run repeatedly: the worker tolerates
// the occasional duplicate message because terminal state transitions are
// guarded in the store.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.MinAge)
	records, err := s.cfg.Store.ListStalePending(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale pending notifications: %w", err)
	}

	republished := 0
	for _, rec := range records {
		msg, err := messageFromRecord(&rec)
		if err != nil {
			s.logger.Error("skipping unreplayable record",
				"notification_id", rec.ID, "error", err)
			continue
		}
		if err := s.cfg.Publisher.Publish(ctx, string(rec.Channel), msg); err != nil {
			// The broker is likely down; the rest of the batch would fail too.
			return republished, fmt.Errorf("republishing notification %s: %w", rec.ID, err)
		}
		republished++
		s.logger.Info("republished stranded notification",
			"notification_id", rec.ID, "channel", rec.Channel,
			"pending_since", rec.CreatedAt)
	}
	return republished, nil
}

// messageFromRecord rebuilds the delivery message from the stored record.
// The retry counter restarts at zero: the original message never reached a
// consumer, so no retry budget was spent.
func messageFromRecord(rec *storage.NotificationRecord) (*queue.Message, error) {
	var variables map[string]any
	if rec.Variables != "" {
		if err := json.Unmarshal([]byte(rec.Variables), &variables); err != nil {
			return nil, fmt.Errorf("decoding stored variables: %w", err)
		}
	}
	return &queue.Message{
		NotificationID: rec.ID,
		RecipientID:    rec.RecipientID,
		Channel:        string(rec.Channel),
		TemplateCode:   rec.TemplateCode,
		Variables:      variables,
		Priority:       rec.Priority,
		RequestID:      rec.RequestID,
		RetryCount:     0,
		CreatedAt:      rec.CreatedAt,
	}, nil
}
