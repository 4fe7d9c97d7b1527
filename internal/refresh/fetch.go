package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jdholdren/lotwatch/internal/logger"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

const (
	backoffCap    = 10
	jitterPercent = 20
)

type fetched struct {
	source lotwatch.Source
	raws   []lotwatch.RawListing
	err    *lotwatch.SourceFetchError
}

// Fetches every source with bounded concurrency and a minimum spacing
// between fetches. One source failing never affects the others.
func (s *Scheduler) fetchAll(ctx context.Context) []fetched {
	var (
		results = make([]fetched, len(s.sources))
		limiter = rate.NewLimiter(rate.Inf, 1)
		g       errgroup.Group
	)
	if s.cfg.SourceDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(s.cfg.SourceDelay), 1)
	}
	g.SetLimit(s.cfg.Concurrency)

	for i, src := range s.sources {
		g.Go(func() error {
			ctx := logger.Ctx(ctx, slog.String("source", src.Name()))
			results[i] = fetched{source: src}

			if err := limiter.Wait(ctx); err != nil {
				results[i].err = &lotwatch.SourceFetchError{Source: src.Name(), Err: err}
				return nil
			}

			raws, err := s.fetchSource(ctx, src)
			if err != nil {
				results[i].err = &lotwatch.SourceFetchError{Source: src.Name(), Err: err}
				slog.WarnContext(ctx, "source failed", "error", err)
				return nil // best-effort: don't cancel siblings
			}
			results[i].raws = raws
			slog.InfoContext(ctx, "fetched source", "records", len(raws))

			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Fetches one source, retrying failures with capped exponential backoff.
func (s *Scheduler) fetchSource(ctx context.Context, src lotwatch.Source) ([]lotwatch.RawListing, error) {
	b := retry.NewExponential(s.cfg.RetryBackoff)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(backoffCap*s.cfg.RetryBackoff, b)
	b = retry.WithMaxRetries(uint64(s.cfg.SourceRetries), b)

	var (
		raws    []lotwatch.RawListing
		attempt int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		out, err := fetchOnce(ctx, src, s.cfg.SourceTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.DebugContext(ctx, "source attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		raws = out

		return nil
	})

	return raws, err
}

// Runs one fetch under its own deadline. The deadline holds even for
// adapters that ignore their context.
func fetchOnce(ctx context.Context, src lotwatch.Source, timeout time.Duration) ([]lotwatch.RawListing, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		raws []lotwatch.RawListing
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("adapter panicked: %v", r)}
			}
		}()

		raws, err := src.Fetch(ctx)
		done <- outcome{raws: raws, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.raws, o.err
	}
}
