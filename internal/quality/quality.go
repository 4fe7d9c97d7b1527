// Package quality scores a normalized batch of listings before persistence.
package quality

import (
	"fmt"
	"strings"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

const (
	// Batches scoring below this are persisted with a warning.
	PassingScore = 70

	MinRealisticPrice = 1000
	MaxRealisticPrice = 1_000_000

	completenessPenalty    = 5
	completenessPenaltyCap = 50
	pricePenalty           = 3
	pricePenaltyCap        = 30
	duplicatePenalty       = 5
	diversityPenalty       = 10
	minSourceSites         = 2
)

type Category string

const (
	CategoryEmpty        Category = "empty"
	CategoryCompleteness Category = "completeness"
	CategoryPrice        Category = "price"
	CategoryDuplicates   Category = "duplicates"
	CategoryDiversity    Category = "diversity"
)

type (
	Issue struct {
		Category Category `json:"category"`
		Message  string   `json:"message"`
		Count    int      `json:"count"`
	}

	// Report is the outcome of validating one batch.
	Report struct {
		Valid  bool    `json:"is_valid"`
		Score  int     `json:"score"`
		Grade  string  `json:"grade"`
		Issues []Issue `json:"issues"`

		Total             int `json:"total"`
		Incomplete        int `json:"incomplete"`
		UnrealisticPrices int `json:"unrealistic_prices"`
		DuplicateIDs      int `json:"duplicate_ids"`
		SourceSites       int `json:"source_sites"`
	}
)

// Validate scores a batch.
//
// Duplicate identifiers only lower the score since they are collapsed before
// persistence. Missing fields and unrealistic prices also fail the batch.
func Validate(listings []lotwatch.Listing) Report {
	if len(listings) == 0 {
		return Report{
			Grade: Grade(0),
			Issues: []Issue{{
				Category: CategoryEmpty,
				Message:  "batch contains no listings",
			}},
		}
	}

	rep := Report{Total: len(listings), Issues: []Issue{}}

	var (
		ids     = make(map[string]int)
		sites   = make(map[string]struct{})
		missing = make(map[string]int)
	)
	for _, l := range listings {
		if fields := missingFields(l); len(fields) > 0 {
			rep.Incomplete++
			for _, f := range fields {
				missing[f]++
			}
		}
		if l.Price != nil && (*l.Price < MinRealisticPrice || *l.Price > MaxRealisticPrice) {
			rep.UnrealisticPrices++
		}
		if l.AuctionID != "" {
			ids[l.AuctionID]++
		}
		if present(l.SourceSite) {
			sites[l.SourceSite] = struct{}{}
		}
	}
	for _, n := range ids {
		if n > 1 {
			rep.DuplicateIDs++
		}
	}
	rep.SourceSites = len(sites)

	score := 100
	if rep.Incomplete > 0 {
		score -= min(completenessPenaltyCap, rep.Incomplete*completenessPenalty)
		rep.Issues = append(rep.Issues, Issue{
			Category: CategoryCompleteness,
			Message:  fmt.Sprintf("%d listings are missing required fields (%s)", rep.Incomplete, describe(missing)),
			Count:    rep.Incomplete,
		})
	}
	if rep.UnrealisticPrices > 0 {
		score -= min(pricePenaltyCap, rep.UnrealisticPrices*pricePenalty)
		rep.Issues = append(rep.Issues, Issue{
			Category: CategoryPrice,
			Message:  fmt.Sprintf("%d listings have prices outside %d-%d", rep.UnrealisticPrices, MinRealisticPrice, MaxRealisticPrice),
			Count:    rep.UnrealisticPrices,
		})
	}
	if rep.DuplicateIDs > 0 {
		score -= rep.DuplicateIDs * duplicatePenalty
		rep.Issues = append(rep.Issues, Issue{
			Category: CategoryDuplicates,
			Message:  fmt.Sprintf("%d identifiers appear more than once", rep.DuplicateIDs),
			Count:    rep.DuplicateIDs,
		})
	}
	if rep.SourceSites < minSourceSites {
		score -= diversityPenalty
		rep.Issues = append(rep.Issues, Issue{
			Category: CategoryDiversity,
			Message:  fmt.Sprintf("only %d source sites contributed", rep.SourceSites),
			Count:    rep.SourceSites,
		})
	}

	rep.Score = max(0, score)
	rep.Grade = Grade(rep.Score)
	rep.Valid = rep.Score >= PassingScore && rep.Incomplete == 0 && rep.UnrealisticPrices == 0

	return rep
}

// Grade maps a score to a letter.
func Grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Warnings renders the report's issues as log-friendly lines.
func (r Report) Warnings() []string {
	out := make([]string, 0, len(r.Issues))
	for _, issue := range r.Issues {
		out = append(out, fmt.Sprintf("ValidationWarning: %s", issue.Message))
	}

	return out
}

func present(s string) bool {
	return s != "" && s != lotwatch.Unknown
}

func missingFields(l lotwatch.Listing) []string {
	var fields []string
	if l.AuctionID == "" {
		fields = append(fields, "id")
	}
	if !present(l.Make) {
		fields = append(fields, "make")
	}
	if !present(l.Model) {
		fields = append(fields, "model")
	}
	if l.Year == nil {
		fields = append(fields, "year")
	}
	if l.Price == nil {
		fields = append(fields, "price")
	}
	if !present(l.Location) {
		fields = append(fields, "location")
	}
	if !present(l.SourceSite) {
		fields = append(fields, "source")
	}

	return fields
}

// Stable ordering so messages don't churn between runs.
var fieldOrder = []string{"id", "make", "model", "year", "price", "location", "source"}

func describe(missing map[string]int) string {
	parts := make([]string, 0, len(missing))
	for _, f := range fieldOrder {
		if n, ok := missing[f]; ok {
			parts = append(parts, fmt.Sprintf("%s: %d", f, n))
		}
	}

	return strings.Join(parts, ", ")
}
