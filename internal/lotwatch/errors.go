package lotwatch

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrCycleRunning = errors.New("a refresh cycle is already running")
	ErrNoData       = errors.New("no sources returned any data")
)

// SourceFetchError is one adapter failing or timing out. It never fails a
// cycle on its own.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	if e.TimedOut() {
		return fmt.Sprintf("SourceFetchError: %s timed out", e.Source)
	}

	return fmt.Sprintf("SourceFetchError: %s: %s", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// TimedOut reports whether the adapter ran past its deadline.
func (e *SourceFetchError) TimedOut() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// PersistenceRecordError is a single record that could not be written.
type PersistenceRecordError struct {
	AuctionID string
	Err       error
}

func (e *PersistenceRecordError) Error() string {
	return fmt.Sprintf("PersistenceRecordError: %s: %s", e.AuctionID, e.Err)
}

func (e *PersistenceRecordError) Unwrap() error { return e.Err }

// CycleFailure is fatal for one cycle: nothing could be fetched or persisted.
type CycleFailure struct {
	Reason string
	Err    error
}

func (e *CycleFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("CycleFailure: %s", e.Reason)
	}

	return fmt.Sprintf("CycleFailure: %s: %s", e.Reason, e.Err)
}

func (e *CycleFailure) Unwrap() error { return e.Err }

// ErrAlreadyFinalized is returned when finishing an ingestion entry a second time.
var ErrAlreadyFinalized = errors.New("ingestion log entry already finalized")
