package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paqetui/paqetd/internal/metrics"
)

// GC prunes old session records on a cron schedule.
type GC struct {
	store    Store
	maxAge   time.Duration
	keep     int
	cron     *cron.Cron
	schedule string
}

// NewGC creates a collector that keeps the newest keep records and drops
// finished ones older than maxAge. schedule is a standard five-field cron
// expression or a descriptor such as "@hourly".
func NewGC(store Store, schedule string, maxAge time.Duration, keep int) (*GC, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("history gc schedule %q: %w", schedule, err)
	}
	return &GC{
		store:    store,
		maxAge:   maxAge,
		keep:     keep,
		schedule: schedule,
		cron:     cron.New(),
	}, nil
}

// Start runs an initial pass and schedules the rest.
func (g *GC) Start() error {
	g.RunOnce(context.Background())
	if _, err := g.cron.AddFunc(g.schedule, func() { g.RunOnce(context.Background()) }); err != nil {
		return err
	}
	g.cron.Start()
	slog.Info("history gc scheduled", "schedule", g.schedule, "max_age", g.maxAge, "keep", g.keep)
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (g *GC) Stop() {
	<-g.cron.Stop().Done()
}

// RunOnce prunes immediately and returns the number of deleted records.
func (g *GC) RunOnce(ctx context.Context) int64 {
	n, err := g.store.Prune(ctx, time.Now().Add(-g.maxAge), g.keep)
	if err != nil {
		slog.Warn("history gc failed", "error", err)
		return 0
	}
	if n > 0 {
		metrics.HistoryRecordsPruned.Add(float64(n))
		slog.Info("pruned session history", "deleted", n)
	}
	return n
}
