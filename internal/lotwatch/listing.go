// Package lotwatch holds the domain types shared by the auction refresh
// pipeline: canonical listings, refresh batches, the ingestion log and the
// contracts for the stores and source adapters around them.
package lotwatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Unknown is the value substituted for any missing text field.
const Unknown = "Unknown"

type (
	// Listing is one canonical, normalized auction lot.
	//
	// AuctionID is the natural key: two listings sharing it are the same
	// physical lot, regardless of which source produced them.
	Listing struct {
		AuctionID    string   `db:"auction_id"`
		Title        string   `db:"title"`
		Make         string   `db:"make"`
		Model        string   `db:"model"`
		Year         *int     `db:"year"`
		Price        *float64 `db:"price"`
		Currency     string   `db:"currency"`
		MileageKM    *float64 `db:"mileage_km"`
		Location     string   `db:"location"`
		URL          string   `db:"url"`
		SourceSite   string   `db:"source_site"`
		Condition    string   `db:"condition_grade"`
		BodyType     string   `db:"body_type"`
		Transmission string   `db:"transmission"`
		FuelType     string   `db:"fuel_type"`
		Engine       string   `db:"engine"`
		SaleStatus   string   `db:"sale_status"`

		// Name of the adapter that produced the listing
		Source string `db:"source"`

		LastUpdated    time.Time `db:"last_updated"`
		RefreshBatchID string    `db:"refresh_batch_id"`
		Active         bool      `db:"active"`
		CreatedAt      time.Time `db:"created_at"`
		UpdatedAt      time.Time `db:"updated_at"`
	}

	// RawListing is a loosely-typed record exactly as an adapter returned it.
	RawListing map[string]any

	// RefreshBatch groups every listing written during one refresh cycle.
	RefreshBatch struct {
		ID        string
		StartedAt time.Time
	}

	// Source is an external adapter producing raw listings from one auction platform.
	Source interface {
		Name() string
		// Currency the source quotes prices in, unless a record says otherwise.
		Currency() string
		Fetch(ctx context.Context) ([]RawListing, error)
	}

	// UpsertResult describes what one persistence pass did.
	UpsertResult struct {
		Inserted int
		Updated  int

		// The listings that made it to storage, as stored.
		Persisted []Listing

		// One entry per record that failed and was skipped.
		RecordErrors []error
	}

	// ListingQuery filters reads of the listings table.
	ListingQuery struct {
		Source          string
		Make            string
		IncludeInactive bool
		Limit           uint64
		Offset          uint64
	}

	ListingRepo interface {
		UpsertListings(ctx context.Context, batch RefreshBatch, listings []Listing) (UpsertResult, error)
		// Soft-deletes active listings owned by the given sources that the batch didn't touch.
		DeactivateStale(ctx context.Context, batchID string, sources []string) (int, error)
		Listing(ctx context.Context, auctionID string) (Listing, error)
		Listings(ctx context.Context, q ListingQuery) ([]Listing, error)
		ActiveListings(ctx context.Context) ([]Listing, error)
	}
)

const batchNamespace = "-rb"

// NewRefreshBatch creates a batch identifier derived from the cycle start time.
func NewRefreshBatch(startedAt time.Time) RefreshBatch {
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]

	return RefreshBatch{
		ID:        fmt.Sprintf("%s-%s%s", startedAt.UTC().Format("20060102T150405Z"), short, batchNamespace),
		StartedAt: startedAt,
	}
}
