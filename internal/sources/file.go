package sources

import (
	"context"
	"fmt"
	"os"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

// File reads listings from a JSON file on every fetch, for exports and fixtures.
type File struct {
	cfg Config
}

var _ lotwatch.Source = (*File)(nil)

func NewFile(cfg Config) *File {
	return &File{cfg: cfg}
}

func (f *File) Name() string     { return f.cfg.Name }
func (f *File) Currency() string { return f.cfg.Currency }

func (f *File) Fetch(ctx context.Context) ([]lotwatch.RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byts, err := os.ReadFile(f.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("error reading source file: %w", err)
	}

	return decodeBytes(byts, f.cfg.ListingsKey)
}
