package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/migrations"
)

func newTestRepo(t *testing.T) (Repo, *clock.Mock) {
	t.Helper()

	dbx, err := sqlx.Open("sqlite", DSN(filepath.Join(t.TempDir(), "lotwatch.db")))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })
	require.NoError(t, migrations.Run(dbx))

	clk := clock.NewMock()
	clk.Add(time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC).Sub(clk.Now()))

	return New(dbx, clk), clk
}

func ptr[T any](v T) *T { return &v }

func testListing(id, source string) lotwatch.Listing {
	return lotwatch.Listing{
		AuctionID:   id,
		Title:       "2015 Toyota Corolla",
		Make:        "Toyota",
		Model:       "Corolla",
		Year:        ptr(2015),
		Price:       ptr(9500.0),
		Currency:    "USD",
		Location:    "Dallas, TX",
		URL:         "https://example.com/" + id,
		SourceSite:  source,
		Source:      source,
		LastUpdated: time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpsertListings_Idempotent(t *testing.T) {
	var (
		ctx     = context.Background()
		repo, _ = newTestRepo(t)
	)

	first := testListing("lot-1", "copart")
	res, err := repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b1"}, []lotwatch.Listing{first})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Updated)

	second := testListing("lot-1", "copart")
	second.Price = ptr(12000.0)
	second.Title = "2015 Toyota Corolla LE"
	res, err = repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b2"}, []lotwatch.Listing{second})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Persisted, 1)

	all, err := repo.Listings(ctx, lotwatch.ListingQuery{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Equal(t, "lot-1", got.AuctionID)
	assert.Equal(t, "2015 Toyota Corolla LE", got.Title)
	require.NotNil(t, got.Price)
	assert.Equal(t, 12000.0, *got.Price)
	assert.Equal(t, "b2", got.RefreshBatchID)
	assert.True(t, got.Active)
}

func TestUpsertListings_SubBatches(t *testing.T) {
	for _, size := range []int{0, 7, 50, 500} {
		t.Run(fmt.Sprintf("batch size %d", size), func(t *testing.T) {
			var (
				ctx     = context.Background()
				repo, _ = newTestRepo(t)
			)
			repo = repo.WithBatchSize(size)

			var listings []lotwatch.Listing
			for i := range 120 {
				listings = append(listings, testListing(fmt.Sprintf("lot-%03d", i), "copart"))
			}

			res, err := repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b1"}, listings)
			require.NoError(t, err)
			assert.Equal(t, 120, res.Inserted)
			assert.Len(t, res.Persisted, 120)
			assert.Empty(t, res.RecordErrors)

			active, err := repo.ActiveListings(ctx)
			require.NoError(t, err)
			assert.Len(t, active, 120)
		})
	}
}

func TestUpsertListings_RecordErrorsAreSkipped(t *testing.T) {
	var (
		ctx     = context.Background()
		repo, _ = newTestRepo(t)
	)

	listings := []lotwatch.Listing{
		testListing("ok-1", "copart"),
		testListing("", "copart"),
		testListing(strings.Repeat("x", 300), "copart"),
		testListing("ok-2", "copart"),
	}

	res, err := repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b1"}, listings)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.RecordErrors, 2)

	var recErr *lotwatch.PersistenceRecordError
	require.ErrorAs(t, res.RecordErrors[1], &recErr)
	assert.Equal(t, strings.Repeat("x", 300), recErr.AuctionID)

	active, err := repo.ActiveListings(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "ok-1", active[0].AuctionID)
	assert.Equal(t, "ok-2", active[1].AuctionID)
}

func TestDeactivateStale(t *testing.T) {
	var (
		ctx     = context.Background()
		repo, _ = newTestRepo(t)
	)

	_, err := repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b1"}, []lotwatch.Listing{
		testListing("a", "copart"),
		testListing("b", "copart"),
		testListing("c", "iaai"),
	})
	require.NoError(t, err)

	// Next cycle only copart answers, and "b" is gone from it
	_, err = repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b2"}, []lotwatch.Listing{
		testListing("a", "copart"),
	})
	require.NoError(t, err)

	n, err := repo.DeactivateStale(ctx, "b2", []string{"copart"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := repo.Listing(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Active)

	c, err := repo.Listing(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.Active)

	active, err := repo.ActiveListings(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Nothing to do without sources
	n, err = repo.DeactivateStale(ctx, "b3", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListing_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.Listing(context.Background(), "nope")
	assert.ErrorIs(t, err, lotwatch.ErrNotFound)
}

func TestListings_Filters(t *testing.T) {
	var (
		ctx     = context.Background()
		repo, _ = newTestRepo(t)
	)

	honda := testListing("h", "iaai")
	honda.Make = "Honda"
	_, err := repo.UpsertListings(ctx, lotwatch.RefreshBatch{ID: "b1"}, []lotwatch.Listing{
		testListing("t1", "copart"),
		testListing("t2", "copart"),
		honda,
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		query lotwatch.ListingQuery
		ids   []string
	}{
		{name: "by source", query: lotwatch.ListingQuery{Source: "iaai"}, ids: []string{"h"}},
		{name: "by make", query: lotwatch.ListingQuery{Make: "Toyota"}, ids: []string{"t1", "t2"}},
		{name: "paged", query: lotwatch.ListingQuery{Limit: 1, Offset: 1}, ids: []string{"t1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Listings(ctx, tt.query)
			require.NoError(t, err)

			ids := []string{}
			for _, l := range got {
				ids = append(ids, l.AuctionID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}
