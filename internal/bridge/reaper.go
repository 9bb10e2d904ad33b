package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/trestle/internal/observability"
	"github.com/haasonsaas/trestle/internal/store"
)

// reaperParser accepts standard 5-field cron expressions, an optional
// seconds field, and descriptors like "@every 2m".
var reaperParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ReaperConfig controls the stale-record sweep.
type ReaperConfig struct {
	// Schedule is a cron expression or descriptor for when to sweep.
	Schedule string
	// TTL is how long a record may sit in the connecting state before it is
	// considered abandoned.
	TTL time.Duration
	// SweepTimeout bounds one sweep's store work.
	SweepTimeout time.Duration
}

// Reaper deletes bridge records stuck in the connecting state. A record
// lands there when the process dies mid-negotiation or a monitor aborts on
// a sync error; without the sweep those records shadow the user's real
// state forever.
type Reaper struct {
	cfg     ReaperConfig
	store   store.BridgeStore
	log     *slog.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

func NewReaper(cfg ReaperConfig, st store.BridgeStore, log *slog.Logger, metrics *observability.Metrics) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Second
	}
	r := &Reaper{
		cfg:     cfg,
		store:   st,
		log:     log,
		metrics: metrics,
		cron:    cron.New(cron.WithParser(reaperParser)),
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, r.Sweep); err != nil {
		return nil, fmt.Errorf("reaper schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start begins the periodic sweep.
func (r *Reaper) Start() {
	r.log.Info("reaper started", "schedule", r.cfg.Schedule, "ttl", r.cfg.TTL)
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep deletes connecting records older than the TTL. It runs on the
// schedule but may also be called directly.
func (r *Reaper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.TTL)
	stale, err := r.store.StaleConnecting(ctx, cutoff)
	if err != nil {
		r.log.Error("stale record scan failed", "error", err)
		return
	}
	for _, record := range stale {
		if err := r.store.DeleteBridge(ctx, record.UserID, record.Type); err != nil {
			r.log.Error("reaping stale record failed",
				"user_id", record.UserID, "network", record.Type, "error", err)
			continue
		}
		r.metrics.ReapedRecords.Inc()
		r.log.Info("reaped stale connecting record",
			"user_id", record.UserID, "network", record.Type,
			"age", time.Since(time.Unix(record.CreatedAt, 0)).Round(time.Second))
	}
}
