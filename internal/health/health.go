// Package health derives operational status from the cache and the
// ingestion log.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdholdren/lotwatch/internal/cache"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/refresh"
)

const (
	StatusHealthy      = "healthy"
	StatusNeedsRefresh = "needs_refresh"

	// When there's no finished cycle, or the log couldn't be read.
	cycleNone    = "none"
	cycleUnknown = "unknown"
)

type (
	// Scheduler is the part of the refresh scheduler health cares about.
	Scheduler interface {
		Status() refresh.Status
	}

	Report struct {
		Status              string         `json:"status"`
		CacheFresh          bool           `json:"cache_fresh"`
		LastCycleStatus     string         `json:"last_cycle_status"`
		LastUpdated         *time.Time     `json:"last_updated"`
		NextRefreshDue      *time.Time     `json:"next_refresh_due"`
		TotalCachedListings int            `json:"total_cached_listings"`
		Scheduler           refresh.Status `json:"scheduler"`
	}

	// Stats aggregates a window of ingestion log entries.
	Stats struct {
		Cycles            int        `json:"cycles"`
		Successes         int        `json:"successes"`
		Failures          int        `json:"failures"`
		InProgress        int        `json:"in_progress"`
		RecordsReceived   int        `json:"records_received"`
		RecordsProcessed  int        `json:"records_processed"`
		SuccessRate       float64    `json:"success_rate"`
		AverageDurationMS int64      `json:"average_duration_ms"`
		LastRunAt         *time.Time `json:"last_run_at"`
	}

	Reporter struct {
		cache *cache.Cache
		log   lotwatch.IngestionLog
		sched Scheduler
	}
)

func NewReporter(c *cache.Cache, log lotwatch.IngestionLog, sched Scheduler) Reporter {
	return Reporter{cache: c, log: log, sched: sched}
}

// Health is always well-formed. Failing to read the log reports
// needs_refresh instead of an error.
func (r Reporter) Health(ctx context.Context) Report {
	cs := r.cache.Status()
	rep := Report{
		Status:              StatusNeedsRefresh,
		CacheFresh:          cs.IsFresh,
		LastCycleStatus:     cycleNone,
		LastUpdated:         cs.LastUpdated,
		NextRefreshDue:      cs.NextRefreshDue,
		TotalCachedListings: cs.TotalCachedListings,
		Scheduler:           r.sched.Status(),
	}

	last, err := r.log.LastIngestion(ctx)
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "error reading last ingestion for health", "error", err)
		rep.LastCycleStatus = cycleUnknown
	case last != nil:
		rep.LastCycleStatus = string(last.Status)
	}

	if rep.CacheFresh && rep.LastCycleStatus == string(lotwatch.IngestionStatusSuccess) {
		rep.Status = StatusHealthy
	}

	return rep
}

// Recent returns the latest log entries with their aggregate stats.
func (r Reporter) Recent(ctx context.Context, limit int) ([]lotwatch.IngestionLogEntry, Stats, error) {
	entries, err := r.log.IngestionLogs(ctx, limit)
	if err != nil {
		return nil, Stats{}, err
	}

	return entries, Aggregate(entries), nil
}

// Aggregate computes stats over entries, which may be in any order.
func Aggregate(entries []lotwatch.IngestionLogEntry) Stats {
	var (
		st      Stats
		totalMS int64
	)
	for _, e := range entries {
		switch e.Status {
		case lotwatch.IngestionStatusSuccess:
			st.Successes++
		case lotwatch.IngestionStatusFailed:
			st.Failures++
		default:
			st.InProgress++
			continue
		}

		st.Cycles++
		st.RecordsReceived += e.RecordsReceived
		st.RecordsProcessed += e.RecordsProcessed
		totalMS += e.ProcessingMS
	}
	for _, e := range entries {
		if st.LastRunAt == nil || e.CreatedAt.After(*st.LastRunAt) {
			createdAt := e.CreatedAt
			st.LastRunAt = &createdAt
		}
	}

	if st.Cycles > 0 {
		st.SuccessRate = float64(st.Successes) / float64(st.Cycles)
		st.AverageDurationMS = totalMS / int64(st.Cycles)
	}

	return st
}
