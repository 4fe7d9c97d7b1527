package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// Records per transaction when upserting.
const defaultBatchSize = 50

// Fields overwritten with the incoming value when a listing already exists.
var mutableColumns = []string{
	"title",
	"make",
	"model",
	"year",
	"price",
	"currency",
	"mileage_km",
	"location",
	"url",
	"source_site",
	"source",
	"condition_grade",
	"body_type",
	"transmission",
	"fuel_type",
	"engine",
	"sale_status",
	"refresh_batch_id",
}

var upsertSuffix = func() string {
	sets := make([]string, 0, len(mutableColumns)+3)
	for _, col := range mutableColumns {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	sets = append(sets, "active = 1", "last_updated = ?", "updated_at = ?")

	return "ON CONFLICT(auction_id) DO UPDATE SET " + strings.Join(sets, ", ")
}()

// UpsertListings writes the listings in fixed-size transactions keyed by
// auction id. A record that fails is skipped and reported in the result.
//
// An error is only returned when the store itself can't be written to.
func (r Repo) UpsertListings(ctx context.Context, batch lotwatch.RefreshBatch, listings []lotwatch.Listing) (lotwatch.UpsertResult, error) {
	res := lotwatch.UpsertResult{
		Persisted:    []lotwatch.Listing{},
		RecordErrors: []error{},
	}

	size := r.batchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	for start := 0; start < len(listings); start += size {
		end := min(start+size, len(listings))
		if err := r.upsertChunk(ctx, batch, listings[start:end], &res); err != nil {
			return res, err
		}
	}

	return res, nil
}

func (r Repo) upsertChunk(ctx context.Context, batch lotwatch.RefreshBatch, chunk []lotwatch.Listing, res *lotwatch.UpsertResult) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		now       = r.clock.Now().UTC()
		persisted = make([]lotwatch.Listing, 0, len(chunk))
		recErrs   []error
		inserted  int
		updated   int
	)
	for _, l := range chunk {
		if l.AuctionID == "" {
			recErrs = append(recErrs, &lotwatch.PersistenceRecordError{Err: errors.New("missing auction id")})
			continue
		}

		if _, err := tx.ExecContext(ctx, `SAVEPOINT listing;`); err != nil {
			return fmt.Errorf("error creating savepoint: %w", err)
		}

		stored, existed, err := upsertListing(ctx, tx, batch, l, now)
		if err != nil {
			recErrs = append(recErrs, &lotwatch.PersistenceRecordError{AuctionID: l.AuctionID, Err: err})
			if _, err := tx.ExecContext(ctx, `ROLLBACK TO listing;`); err != nil {
				return fmt.Errorf("error rolling back to savepoint: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `RELEASE listing;`); err != nil {
			return fmt.Errorf("error releasing savepoint: %w", err)
		}
		if err != nil {
			continue
		}

		persisted = append(persisted, stored)
		if existed {
			updated++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	res.Persisted = append(res.Persisted, persisted...)
	res.RecordErrors = append(res.RecordErrors, recErrs...)
	res.Inserted += inserted
	res.Updated += updated

	return nil
}

// Writes a single listing, returning the row as stored and whether it already existed.
func upsertListing(ctx context.Context, tx *sqlx.Tx, batch lotwatch.RefreshBatch, l lotwatch.Listing, now time.Time) (lotwatch.Listing, bool, error) {
	var existed bool
	if err := tx.GetContext(ctx, &existed, `SELECT EXISTS(SELECT 1 FROM listings WHERE auction_id = ?);`, l.AuctionID); err != nil {
		return lotwatch.Listing{}, false, fmt.Errorf("error checking for listing: %s", err)
	}

	query, args, err := sq.Insert("listings").
		Columns(
			"auction_id", "title", "make", "model", "year", "price", "currency", "mileage_km",
			"location", "url", "source_site", "source", "condition_grade", "body_type",
			"transmission", "fuel_type", "engine", "sale_status", "last_updated",
			"refresh_batch_id", "active", "created_at", "updated_at",
		).
		Values(
			l.AuctionID, l.Title, l.Make, l.Model, l.Year, l.Price, l.Currency, l.MileageKM,
			l.Location, l.URL, l.SourceSite, l.Source, l.Condition, l.BodyType,
			l.Transmission, l.FuelType, l.Engine, l.SaleStatus, l.LastUpdated.UTC(),
			batch.ID, 1, now, now,
		).
		Suffix(upsertSuffix, now, now).
		ToSql()
	if err != nil {
		return lotwatch.Listing{}, false, fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return lotwatch.Listing{}, false, fmt.Errorf("error upserting listing: %s", err)
	}

	var stored lotwatch.Listing
	if err := tx.GetContext(ctx, &stored, `SELECT * FROM listings WHERE auction_id = ?;`, l.AuctionID); err != nil {
		return lotwatch.Listing{}, false, fmt.Errorf("error fetching upserted listing: %s", err)
	}

	return stored, existed, nil
}

// DeactivateStale soft-deletes listings owned by the given sources that the
// batch did not refresh. Listings of sources not named are left alone.
func (r Repo) DeactivateStale(ctx context.Context, batchID string, sources []string) (int, error) {
	if len(sources) == 0 {
		return 0, nil
	}

	query, args, err := sq.Update("listings").
		Set("active", 0).
		Set("updated_at", r.clock.Now().UTC()).
		Where(sq.Eq{"active": 1, "source": sources}).
		Where(sq.NotEq{"refresh_batch_id": batchID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error deactivating stale listings: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting deactivated listings: %s", err)
	}

	return int(n), nil
}

func (r Repo) Listing(ctx context.Context, auctionID string) (lotwatch.Listing, error) {
	const q = `SELECT * FROM listings WHERE auction_id = ?;`

	var l lotwatch.Listing
	err := r.db.GetContext(ctx, &l, q, auctionID)
	if errors.Is(err, sql.ErrNoRows) {
		return lotwatch.Listing{}, lotwatch.ErrNotFound
	}
	if err != nil {
		return lotwatch.Listing{}, fmt.Errorf("error fetching listing: %s", err)
	}

	return l, nil
}

// Listings returns a filtered page of listings, most recently updated first.
func (r Repo) Listings(ctx context.Context, lq lotwatch.ListingQuery) ([]lotwatch.Listing, error) {
	q := sq.Select("*").From("listings").OrderBy("last_updated DESC", "auction_id")
	if !lq.IncludeInactive {
		q = q.Where(sq.Eq{"active": 1})
	}
	if lq.Source != "" {
		q = q.Where(sq.Eq{"source": lq.Source})
	}
	if lq.Make != "" {
		q = q.Where(sq.Eq{"make": lq.Make})
	}
	if lq.Limit > 0 {
		q = q.Limit(lq.Limit).Offset(lq.Offset)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	listings := []lotwatch.Listing{}
	if err := r.db.SelectContext(ctx, &listings, query, args...); err != nil {
		return nil, fmt.Errorf("error fetching listings: %s", err)
	}

	return listings, nil
}

func (r Repo) ActiveListings(ctx context.Context) ([]lotwatch.Listing, error) {
	const q = `SELECT * FROM listings WHERE active = 1 ORDER BY auction_id;`

	listings := []lotwatch.Listing{}
	if err := r.db.SelectContext(ctx, &listings, q); err != nil {
		return nil, fmt.Errorf("error selecting active listings: %s", err)
	}

	return listings, nil
}
