package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// StartIngestion records the start of a cycle with status processing.
func (r Repo) StartIngestion(ctx context.Context, entry lotwatch.IngestionLogEntry) (lotwatch.IngestionLogEntry, error) {
	const q = `INSERT INTO ingestion_logs (source_name, trigger_kind, refresh_batch_id, status, created_at)
	VALUES (?, ?, ?, ?, ?);`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock.Now()
	}
	res, err := r.db.ExecContext(ctx, q,
		entry.SourceName,
		entry.Trigger,
		entry.RefreshBatchID,
		lotwatch.IngestionStatusProcessing,
		createdAt.UTC(),
	)
	if err != nil {
		return lotwatch.IngestionLogEntry{}, fmt.Errorf("error inserting ingestion log: %s", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return lotwatch.IngestionLogEntry{}, fmt.Errorf("error reading ingestion log id: %s", err)
	}

	return r.ingestion(ctx, id)
}

// FinishIngestion finalizes a processing entry. It can only happen once per entry.
func (r Repo) FinishIngestion(ctx context.Context, id int64, args lotwatch.FinishIngestionArgs) error {
	if args.Status != lotwatch.IngestionStatusSuccess && args.Status != lotwatch.IngestionStatusFailed {
		return fmt.Errorf("invalid final status %q", args.Status)
	}

	finishedAt := args.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = r.clock.Now()
	}

	query, qArgs, err := sq.Update("ingestion_logs").
		Set("status", args.Status).
		Set("records_received", args.RecordsReceived).
		Set("records_processed", args.RecordsProcessed).
		Set("records_skipped", args.RecordsSkipped).
		Set("errors", lotwatch.StringList(args.Errors)).
		Set("warnings", lotwatch.StringList(args.Warnings)).
		Set("quality_score", args.QualityScore).
		Set("processing_ms", args.ProcessingTime.Milliseconds()).
		Set("finished_at", finishedAt.UTC()).
		Where(sq.Eq{"id": id, "status": lotwatch.IngestionStatusProcessing}).
		ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}

	res, err := r.db.ExecContext(ctx, query, qArgs...)
	if err != nil {
		return fmt.Errorf("error finalizing ingestion log: %s", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error counting finalized ingestion logs: %s", err)
	}
	if n == 1 {
		return nil
	}

	// Either it doesn't exist or someone already closed it out
	if _, err := r.ingestion(ctx, id); err != nil {
		return err
	}

	return lotwatch.ErrAlreadyFinalized
}

func (r Repo) ingestion(ctx context.Context, id int64) (lotwatch.IngestionLogEntry, error) {
	const q = `SELECT * FROM ingestion_logs WHERE id = ?;`

	var entry lotwatch.IngestionLogEntry
	err := r.db.GetContext(ctx, &entry, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return lotwatch.IngestionLogEntry{}, lotwatch.ErrNotFound
	}
	if err != nil {
		return lotwatch.IngestionLogEntry{}, fmt.Errorf("error fetching ingestion log: %s", err)
	}

	return entry, nil
}

func (r Repo) IngestionLogs(ctx context.Context, limit int) ([]lotwatch.IngestionLogEntry, error) {
	const q = `SELECT * FROM ingestion_logs ORDER BY id DESC LIMIT ?;`

	entries := []lotwatch.IngestionLogEntry{}
	if err := r.db.SelectContext(ctx, &entries, q, limit); err != nil {
		return nil, fmt.Errorf("error selecting ingestion logs: %s", err)
	}

	return entries, nil
}

func (r Repo) LastIngestion(ctx context.Context) (*lotwatch.IngestionLogEntry, error) {
	return r.lastIngestion(ctx, sq.NotEq{"status": lotwatch.IngestionStatusProcessing})
}

func (r Repo) LastSuccessfulIngestion(ctx context.Context) (*lotwatch.IngestionLogEntry, error) {
	return r.lastIngestion(ctx, sq.Eq{"status": lotwatch.IngestionStatusSuccess})
}

func (r Repo) lastIngestion(ctx context.Context, pred sq.Sqlizer) (*lotwatch.IngestionLogEntry, error) {
	query, args, err := sq.Select("*").From("ingestion_logs").Where(pred).OrderBy("id DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	var entry lotwatch.IngestionLogEntry
	err = r.db.GetContext(ctx, &entry, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error fetching last ingestion log: %s", err)
	}

	return &entry, nil
}
