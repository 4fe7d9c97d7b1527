package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	lwerrs "github.com/jdholdren/lotwatch/internal/errors"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/serverutil"
)

type (
	ListingResp struct {
		AuctionID      string    `json:"auction_id"`
		Title          string    `json:"title"`
		Make           string    `json:"make"`
		Model          string    `json:"model"`
		Year           *int      `json:"year"`
		Price          *float64  `json:"price"`
		Currency       string    `json:"currency"`
		MileageKM      *float64  `json:"mileage_km"`
		Location       string    `json:"location"`
		URL            string    `json:"url"`
		SourceSite     string    `json:"source_site"`
		Source         string    `json:"source"`
		Condition      string    `json:"condition_grade"`
		BodyType       string    `json:"body_type"`
		Transmission   string    `json:"transmission"`
		FuelType       string    `json:"fuel_type"`
		Engine         string    `json:"engine"`
		SaleStatus     string    `json:"sale_status"`
		LastUpdated    time.Time `json:"last_updated"`
		RefreshBatchID string    `json:"refresh_batch_id"`
		Active         bool      `json:"active"`
	}

	ListingsResp struct {
		Items      []ListingResp  `json:"items"`
		Pagination paginationMeta `json:"pagination"`
	}
)

func listingResp(l lotwatch.Listing) ListingResp {
	return ListingResp{
		AuctionID:      l.AuctionID,
		Title:          l.Title,
		Make:           l.Make,
		Model:          l.Model,
		Year:           l.Year,
		Price:          l.Price,
		Currency:       l.Currency,
		MileageKM:      l.MileageKM,
		Location:       l.Location,
		URL:            l.URL,
		SourceSite:     l.SourceSite,
		Source:         l.Source,
		Condition:      l.Condition,
		BodyType:       l.BodyType,
		Transmission:   l.Transmission,
		FuelType:       l.FuelType,
		Engine:         l.Engine,
		SaleStatus:     l.SaleStatus,
		LastUpdated:    l.LastUpdated,
		RefreshBatchID: l.RefreshBatchID,
		Active:         l.Active,
	}
}

func listingResps(ls []lotwatch.Listing) []ListingResp {
	out := make([]ListingResp, 0, len(ls))
	for _, l := range ls {
		out = append(out, listingResp(l))
	}

	return out
}

type listingFilter struct {
	source, make, model string
	year                *int
}

func (f listingFilter) match(l lotwatch.Listing) bool {
	if f.source != "" && l.Source != f.source {
		return false
	}
	if f.make != "" && !strings.EqualFold(l.Make, f.make) {
		return false
	}
	if f.model != "" && !strings.EqualFold(l.Model, f.model) {
		return false
	}
	if f.year != nil && (l.Year == nil || *l.Year != *f.year) {
		return false
	}

	return true
}

func parseListingFilter(r *http.Request) (listingFilter, error) {
	q := r.URL.Query()
	f := listingFilter{
		source: q.Get("source"),
		make:   q.Get("make"),
		model:  q.Get("model"),
	}

	if y := q.Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return listingFilter{}, lwerrs.E(
				http.StatusBadRequest,
				"invalid query parameters",
				lwerrs.Detail{Field: "year", Error: "must be a whole number"},
			)
		}
		f.year = &year
	}

	return f, nil
}

// Listings are served from the cache, ordered by auction id.
func (s Server) getListings(w http.ResponseWriter, r *http.Request) error {
	filter, err := parseListingFilter(r)
	if err != nil {
		return err
	}
	limit, offset := parsePaginationParams(r, 50, 500)

	snap := s.cache.Snapshot()
	matched := make([]lotwatch.Listing, 0, len(snap.Listings))
	for _, l := range snap.Listings {
		if filter.match(l) {
			matched = append(matched, l)
		}
	}

	return serverutil.WriteJSON(w, http.StatusOK, ListingsResp{
		Items:      listingResps(page(matched, limit, offset)),
		Pagination: calculatePaginationMeta(limit, offset, len(matched)),
	})
}

// A single listing comes from the cache when it's active and cached, or from
// storage otherwise, which includes deactivated history.
func (s Server) getListing(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx       = r.Context()
		auctionID = mux.Vars(r)["auctionID"]
		snap      = s.cache.Snapshot()
	)

	if l, ok := snap.Listing(auctionID); ok {
		return serverutil.WriteJSON(w, http.StatusOK, listingResp(l))
	}

	key := fmt.Sprintf("%d/%s", snap.LastUpdated.UnixNano(), auctionID)
	if resp, ok := s.listingRespCache.Get(key); ok {
		return serverutil.WriteJSON(w, http.StatusOK, resp)
	}

	l, err := s.repo.Listing(ctx, auctionID)
	if err != nil {
		return err
	}

	resp := listingResp(l)
	s.listingRespCache.Add(key, resp)

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}
