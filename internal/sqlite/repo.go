// Package sqlite is the durable store for listings and the ingestion log.
package sqlite

import (
	"fmt"

	"github.com/facebookgo/clock"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// Ensure Repo implements the Repository interface
var _ lotwatch.Repository = (*Repo)(nil)

type Repo struct {
	db        *sqlx.DB
	clock     clock.Clock
	batchSize int
}

func New(db *sqlx.DB, clk clock.Clock) Repo {
	return Repo{db: db, clock: clk, batchSize: defaultBatchSize}
}

// WithBatchSize sets how many listings share one upsert transaction.
func (r Repo) WithBatchSize(n int) Repo {
	if n > 0 {
		r.batchSize = n
	}

	return r
}

// DSN builds the connection string used for a database file.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
}
