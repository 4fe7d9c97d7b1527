package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jdholdren/lotwatch/internal/logger"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/normalize"
	"github.com/jdholdren/lotwatch/internal/quality"
)

type (
	SourceResult struct {
		Received int    `json:"received"`
		Error    string `json:"error,omitempty"`
		TimedOut bool   `json:"timed_out,omitempty"`
	}

	// Result is the outcome of one cycle.
	Result struct {
		Success          bool                    `json:"success"`
		RefreshBatchID   string                  `json:"refresh_batch_id"`
		Trigger          Trigger                 `json:"trigger"`
		RecordsReceived  int                     `json:"records_received"`
		RecordsProcessed int                     `json:"records_processed"`
		RecordsSkipped   int                     `json:"records_skipped"`
		Deactivated      int                     `json:"deactivated"`
		PerSource        map[string]SourceResult `json:"per_source"`
		Quality          *quality.Report         `json:"quality,omitempty"`
		Errors           []string                `json:"errors"`
		StartedAt        time.Time               `json:"started_at"`
		Duration         time.Duration           `json:"-"`
		DurationMS       int64                   `json:"duration_ms"`
		NextScheduledAt  time.Time               `json:"next_scheduled_at"`

		// Set when the cycle failed as a whole
		Failure *lotwatch.CycleFailure `json:"-"`
	}
)

func (s *Scheduler) cycle(ctx context.Context, t Trigger) (res Result) {
	var (
		start = s.clock.Now()
		batch = lotwatch.NewRefreshBatch(start)
	)
	ctx = logger.Ctx(ctx,
		slog.String("refresh_batch_id", batch.ID),
		slog.String("trigger", string(t)),
	)
	res = Result{
		RefreshBatchID: batch.ID,
		Trigger:        t,
		PerSource:      make(map[string]SourceResult, len(s.sources)),
		Errors:         []string{},
		StartedAt:      start,
	}

	slog.InfoContext(ctx, "refresh cycle started")

	entry, err := s.repo.StartIngestion(ctx, lotwatch.IngestionLogEntry{
		SourceName:     s.sourceNames(),
		Trigger:        string(t),
		RefreshBatchID: batch.ID,
		CreatedAt:      start,
	})
	if err != nil {
		slog.ErrorContext(ctx, "error recording cycle start", "error", err)
	}

	// Nothing in a cycle may take down the process
	defer func() {
		if r := recover(); r != nil {
			res.fail(&lotwatch.CycleFailure{Reason: "unexpected panic", Err: fmt.Errorf("%v", r)})
		}

		res.Duration = s.clock.Now().Sub(start)
		res.DurationMS = res.Duration.Milliseconds()
		s.finishLog(context.WithoutCancel(ctx), entry.ID, res)

		if res.Success {
			slog.InfoContext(ctx, "refresh cycle succeeded",
				"received", res.RecordsReceived,
				"processed", res.RecordsProcessed,
				"skipped", res.RecordsSkipped,
				"deactivated", res.Deactivated,
				"duration", res.Duration,
			)
		} else {
			slog.ErrorContext(ctx, "refresh cycle failed", "error", res.Failure, "errors", len(res.Errors))
		}
	}()

	// Fetch
	fetched := s.fetchAll(ctx)
	var (
		normalized []lotwatch.Listing
		succeeded  []string
	)
	for _, f := range fetched {
		sr := SourceResult{Received: len(f.raws)}
		if f.err != nil {
			sr.Error = f.err.Error()
			sr.TimedOut = f.err.TimedOut()
			res.Errors = append(res.Errors, f.err.Error())
		} else {
			succeeded = append(succeeded, f.source.Name())
		}
		res.PerSource[f.source.Name()] = sr
		res.RecordsReceived += len(f.raws)

		origin := normalize.Origin{Name: f.source.Name(), Currency: f.source.Currency()}
		normalized = append(normalized, normalize.Listings(f.raws, origin, start)...)
	}
	if res.RecordsReceived == 0 {
		res.fail(&lotwatch.CycleFailure{Reason: "no sources returned any data", Err: lotwatch.ErrNoData})
		return res
	}

	// Validate
	report := quality.Validate(normalized)
	res.Quality = &report
	if !report.Valid {
		slog.WarnContext(ctx, "batch failed quality checks, persisting anyway",
			"score", report.Score,
			"grade", report.Grade,
			"warnings", strings.Join(report.Warnings(), "; "),
		)
	}

	// Persist
	deduped := dedupe(normalized)
	up, err := s.repo.UpsertListings(ctx, batch, deduped)
	for _, recErr := range up.RecordErrors {
		slog.WarnContext(ctx, "skipped record", "error", recErr)
		res.Errors = append(res.Errors, recErr.Error())
	}
	res.RecordsProcessed = len(up.Persisted)
	res.RecordsSkipped = res.RecordsReceived - res.RecordsProcessed
	if err != nil {
		res.fail(&lotwatch.CycleFailure{Reason: "persistence failed", Err: err})
		return res
	}
	if len(up.Persisted) == 0 {
		res.fail(&lotwatch.CycleFailure{Reason: "no records could be persisted"})
		return res
	}

	// Listings of sources that failed this time are kept as they were
	n, err := s.repo.DeactivateStale(ctx, batch.ID, succeeded)
	if err != nil {
		slog.ErrorContext(ctx, "error deactivating stale listings", "error", err)
		res.Errors = append(res.Errors, err.Error())
	}
	res.Deactivated = n

	// Swap the cache to what storage now considers live
	live, err := s.repo.ActiveListings(ctx)
	if err != nil {
		slog.WarnContext(ctx, "error reading back active listings, caching this cycle's", "error", err)
		live = up.Persisted
	}
	s.cache.Swap(live, s.clock.Now())

	res.Success = true

	return res
}

func (r *Result) fail(f *lotwatch.CycleFailure) {
	r.Success = false
	r.Failure = f
	r.Errors = append(r.Errors, f.Error())
}

// Finalizes the cycle's ingestion log entry, if it was started.
func (s *Scheduler) finishLog(ctx context.Context, id int64, res Result) {
	if id == 0 {
		return
	}

	args := lotwatch.FinishIngestionArgs{
		Status:           lotwatch.IngestionStatusFailed,
		RecordsReceived:  res.RecordsReceived,
		RecordsProcessed: res.RecordsProcessed,
		RecordsSkipped:   res.RecordsSkipped,
		Errors:           res.Errors,
		ProcessingTime:   res.Duration,
		FinishedAt:       res.StartedAt.Add(res.Duration),
	}
	if res.Success {
		args.Status = lotwatch.IngestionStatusSuccess
	}
	if res.Quality != nil {
		score := res.Quality.Score
		args.QualityScore = &score
		if !res.Quality.Valid {
			args.Warnings = res.Quality.Warnings()
		}
	}

	if err := s.repo.FinishIngestion(ctx, id, args); err != nil && !errors.Is(err, lotwatch.ErrAlreadyFinalized) {
		slog.ErrorContext(ctx, "error finalizing ingestion log", "error", err, "id", id)
	}
}

func (s *Scheduler) sourceNames() string {
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, src.Name())
	}

	return strings.Join(names, ",")
}

// Collapses listings sharing an identifier, keeping the last occurrence in
// the position of the first.
func dedupe(listings []lotwatch.Listing) []lotwatch.Listing {
	var (
		out = make([]lotwatch.Listing, 0, len(listings))
		at  = make(map[string]int, len(listings))
	)
	for _, l := range listings {
		if i, ok := at[l.AuctionID]; ok {
			out[i] = l
			continue
		}
		at[l.AuctionID] = len(out)
		out = append(out, l)
	}

	return out
}
