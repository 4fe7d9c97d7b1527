package api

import (
	"net/http"
	"time"

	"github.com/jdholdren/lotwatch/internal/health"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/serverutil"
)

const sampleSize = 5

type (
	CacheStatusResp struct {
		TotalCachedListings int           `json:"total_cached_listings"`
		LastUpdated         *time.Time    `json:"last_updated"`
		ExpiresAt           *time.Time    `json:"expires_at"`
		IsFresh             bool          `json:"is_fresh"`
		NextRefreshDue      *time.Time    `json:"next_refresh_due"`
		Sources             []string      `json:"sources"`
		Sample              []ListingResp `json:"sample"`
	}

	IngestionLogsResp struct {
		Entries []IngestionLogResp `json:"entries"`
		Stats   health.Stats       `json:"stats"`
	}

	IngestionLogResp struct {
		ID               int64      `json:"id"`
		SourceName       string     `json:"source_name"`
		Trigger          string     `json:"trigger"`
		RefreshBatchID   string     `json:"refresh_batch_id"`
		RecordsReceived  int        `json:"records_received"`
		RecordsProcessed int        `json:"records_processed"`
		RecordsSkipped   int        `json:"records_skipped"`
		Status           string     `json:"status"`
		Errors           []string   `json:"errors"`
		Warnings         []string   `json:"warnings"`
		QualityScore     *int       `json:"quality_score"`
		ProcessingMS     int64      `json:"processing_ms"`
		CreatedAt        time.Time  `json:"created_at"`
		FinishedAt       *time.Time `json:"finished_at"`
	}
)

// Always a 200; the body says whether things are healthy.
func (s Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	return serverutil.WriteJSON(w, http.StatusOK, s.reporter.Health(r.Context()))
}

func (s Server) getCacheStatus(w http.ResponseWriter, r *http.Request) error {
	var (
		snap = s.cache.Snapshot()
		st   = s.cache.Status()
	)

	resp := CacheStatusResp{
		TotalCachedListings: len(snap.Listings),
		IsFresh:             st.IsFresh,
		Sources:             snap.Sources(),
		Sample:              listingResps(snap.Recent(sampleSize)),
	}
	if !snap.LastUpdated.IsZero() {
		lastUpdated, expiresAt := snap.LastUpdated, snap.ExpiresAt
		resp.LastUpdated = &lastUpdated
		resp.ExpiresAt = &expiresAt
		resp.NextRefreshDue = &expiresAt
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) getIngestionLogs(w http.ResponseWriter, r *http.Request) error {
	limit, _ := parsePaginationParams(r, 20, 100)

	entries, stats, err := s.reporter.Recent(r.Context(), limit)
	if err != nil {
		return err
	}

	resp := IngestionLogsResp{
		Entries: make([]IngestionLogResp, 0, len(entries)),
		Stats:   stats,
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, ingestionLogResp(e))
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func ingestionLogResp(e lotwatch.IngestionLogEntry) IngestionLogResp {
	return IngestionLogResp{
		ID:               e.ID,
		SourceName:       e.SourceName,
		Trigger:          e.Trigger,
		RefreshBatchID:   e.RefreshBatchID,
		RecordsReceived:  e.RecordsReceived,
		RecordsProcessed: e.RecordsProcessed,
		RecordsSkipped:   e.RecordsSkipped,
		Status:           string(e.Status),
		Errors:           append([]string{}, e.Errors...),
		Warnings:         append([]string{}, e.Warnings...),
		QualityScore:     e.QualityScore,
		ProcessingMS:     e.ProcessingMS,
		CreatedAt:        e.CreatedAt,
		FinishedAt:       e.FinishedAt,
	}
}
