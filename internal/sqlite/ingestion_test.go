package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

func TestIngestionLifecycle(t *testing.T) {
	var (
		ctx       = context.Background()
		repo, clk = newTestRepo(t)
	)

	last, err := repo.LastIngestion(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	entry, err := repo.StartIngestion(ctx, lotwatch.IngestionLogEntry{
		SourceName:     "copart,iaai",
		Trigger:        "manual",
		RefreshBatchID: "b1",
	})
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	assert.Equal(t, lotwatch.IngestionStatusProcessing, entry.Status)
	assert.Empty(t, entry.Errors)
	assert.Nil(t, entry.FinishedAt)

	// Still processing, so it doesn't count as a finished run
	last, err = repo.LastIngestion(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	clk.Add(2 * time.Second)
	require.NoError(t, repo.FinishIngestion(ctx, entry.ID, lotwatch.FinishIngestionArgs{
		Status:           lotwatch.IngestionStatusSuccess,
		RecordsReceived:  8,
		RecordsProcessed: 7,
		RecordsSkipped:   1,
		Errors:           []string{"SourceFetchError: A timed out"},
		Warnings:         []string{"ValidationWarning: 1 identifiers appear more than once"},
		QualityScore:     ptr(95),
		ProcessingTime:   2 * time.Second,
	}))

	last, err = repo.LastIngestion(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, entry.ID, last.ID)
	assert.Equal(t, lotwatch.IngestionStatusSuccess, last.Status)
	assert.Equal(t, 8, last.RecordsReceived)
	assert.Equal(t, 7, last.RecordsProcessed)
	assert.Equal(t, 1, last.RecordsSkipped)
	assert.Equal(t, lotwatch.StringList{"SourceFetchError: A timed out"}, last.Errors)
	require.NotNil(t, last.QualityScore)
	assert.Equal(t, 95, *last.QualityScore)
	assert.Equal(t, int64(2000), last.ProcessingMS)
	require.NotNil(t, last.FinishedAt)
	assert.True(t, clk.Now().Equal(*last.FinishedAt))

	// Entries are finalized exactly once
	err = repo.FinishIngestion(ctx, entry.ID, lotwatch.FinishIngestionArgs{Status: lotwatch.IngestionStatusFailed})
	assert.ErrorIs(t, err, lotwatch.ErrAlreadyFinalized)

	err = repo.FinishIngestion(ctx, 9999, lotwatch.FinishIngestionArgs{Status: lotwatch.IngestionStatusFailed})
	assert.ErrorIs(t, err, lotwatch.ErrNotFound)

	err = repo.FinishIngestion(ctx, entry.ID, lotwatch.FinishIngestionArgs{Status: lotwatch.IngestionStatusProcessing})
	assert.Error(t, err)
}

func TestIngestionLogs_MostRecentFirst(t *testing.T) {
	var (
		ctx     = context.Background()
		repo, _ = newTestRepo(t)
	)

	statuses := []lotwatch.IngestionStatus{
		lotwatch.IngestionStatusSuccess,
		lotwatch.IngestionStatusFailed,
		lotwatch.IngestionStatusSuccess,
		lotwatch.IngestionStatusFailed,
	}
	var ids []int64
	for _, status := range statuses {
		entry, err := repo.StartIngestion(ctx, lotwatch.IngestionLogEntry{SourceName: "a", Trigger: "schedule", RefreshBatchID: "b"})
		require.NoError(t, err)
		require.NoError(t, repo.FinishIngestion(ctx, entry.ID, lotwatch.FinishIngestionArgs{Status: status}))
		ids = append(ids, entry.ID)
	}

	entries, err := repo.IngestionLogs(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[3], entries[0].ID)
	assert.Equal(t, ids[1], entries[2].ID)

	success, err := repo.LastSuccessfulIngestion(ctx)
	require.NoError(t, err)
	require.NotNil(t, success)
	assert.Equal(t, ids[2], success.ID)
}
