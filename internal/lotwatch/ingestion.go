package lotwatch

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type IngestionStatus string

const (
	IngestionStatusProcessing IngestionStatus = "processing"
	IngestionStatusSuccess    IngestionStatus = "success"
	IngestionStatusFailed     IngestionStatus = "failed"
)

type (
	// IngestionLogEntry is the audit row for one refresh cycle attempt.
	//
	// It is created as processing when the cycle starts and finalized exactly
	// once when it ends.
	IngestionLogEntry struct {
		ID               int64           `db:"id"`
		SourceName       string          `db:"source_name"`
		Trigger          string          `db:"trigger_kind"`
		RefreshBatchID   string          `db:"refresh_batch_id"`
		RecordsReceived  int             `db:"records_received"`
		RecordsProcessed int             `db:"records_processed"`
		RecordsSkipped   int             `db:"records_skipped"`
		Status           IngestionStatus `db:"status"`
		Errors           StringList      `db:"errors"`
		Warnings         StringList      `db:"warnings"`
		QualityScore     *int            `db:"quality_score"`
		ProcessingMS     int64           `db:"processing_ms"`
		CreatedAt        time.Time       `db:"created_at"`
		FinishedAt       *time.Time      `db:"finished_at"`
	}

	// Holds the outcome written when a cycle's log entry is finalized.
	FinishIngestionArgs struct {
		Status           IngestionStatus
		RecordsReceived  int
		RecordsProcessed int
		RecordsSkipped   int
		Errors           []string
		Warnings         []string
		QualityScore     *int
		ProcessingTime   time.Duration
		FinishedAt       time.Time
	}

	IngestionLog interface {
		StartIngestion(ctx context.Context, entry IngestionLogEntry) (IngestionLogEntry, error)
		FinishIngestion(ctx context.Context, id int64, args FinishIngestionArgs) error
		// Most recent entries first.
		IngestionLogs(ctx context.Context, limit int) ([]IngestionLogEntry, error)
		// Most recent finalized entry, nil if there is none.
		LastIngestion(ctx context.Context) (*IngestionLogEntry, error)
		LastSuccessfulIngestion(ctx context.Context) (*IngestionLogEntry, error)
	}

	Repository interface {
		ListingRepo
		IngestionLog
	}
)

// StringList is a list of strings stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}

	byts, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("error encoding string list: %s", err)
	}

	return string(byts), nil
}

func (l *StringList) Scan(src any) error {
	var byts []byte
	switch src := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		byts = []byte(src)
	case []byte:
		byts = src
	default:
		return fmt.Errorf("unsupported type for string list: %T", src)
	}

	var out []string
	if err := json.Unmarshal(byts, &out); err != nil {
		return fmt.Errorf("error decoding string list: %s", err)
	}
	if out == nil {
		out = []string{}
	}
	*l = out

	return nil
}
