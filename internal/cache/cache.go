// Package cache holds the in-memory view of the most recently persisted
// listings. Readers always see a whole snapshot; the scheduler replaces it
// wholesale after a successful cycle.
package cache

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

const DefaultTTL = 24 * time.Hour

type (
	// Snapshot is one immutable generation of the cache.
	Snapshot struct {
		Listings    []lotwatch.Listing
		LastUpdated time.Time
		ExpiresAt   time.Time

		byID map[string]int
	}

	Status struct {
		IsFresh             bool       `json:"is_fresh"`
		LastUpdated         *time.Time `json:"last_updated"`
		NextRefreshDue      *time.Time `json:"next_refresh_due"`
		TotalCachedListings int        `json:"total_cached_listings"`
	}

	Cache struct {
		clock clock.Clock
		ttl   time.Duration
		snap  atomic.Pointer[Snapshot]

		mu       sync.Mutex
		onExpiry func()
	}
)

// New creates an empty cache. An empty cache counts as expired.
func New(clk clock.Clock, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{clock: clk, ttl: ttl}
	c.snap.Store(&Snapshot{Listings: []lotwatch.Listing{}, byID: map[string]int{}})

	return c
}

// NotifyOnExpiry registers f to be called whenever a read observes an expired
// snapshot. f must not block.
func (c *Cache) NotifyOnExpiry(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpiry = f
}

// Snapshot returns the current snapshot, signalling for a refresh when it is
// past expiry. The stale snapshot is still returned.
func (c *Cache) Snapshot() *Snapshot {
	s := c.snap.Load()
	if !s.Fresh(c.clock.Now()) {
		c.mu.Lock()
		f := c.onExpiry
		c.mu.Unlock()
		if f != nil {
			f()
		}
	}

	return s
}

// Peek returns the current snapshot without any refresh side effects.
func (c *Cache) Peek() *Snapshot {
	return c.snap.Load()
}

// Swap atomically replaces the whole snapshot.
func (c *Cache) Swap(listings []lotwatch.Listing, lastUpdated time.Time) {
	s := &Snapshot{
		Listings:    slices.Clone(listings),
		LastUpdated: lastUpdated,
		ExpiresAt:   lastUpdated.Add(c.ttl),
		byID:        make(map[string]int, len(listings)),
	}
	if s.Listings == nil {
		s.Listings = []lotwatch.Listing{}
	}
	for i, l := range s.Listings {
		s.byID[l.AuctionID] = i
	}

	c.snap.Store(s)
}

func (c *Cache) Status() Status {
	s := c.snap.Load()

	st := Status{
		IsFresh:             s.Fresh(c.clock.Now()),
		TotalCachedListings: len(s.Listings),
	}
	if !s.LastUpdated.IsZero() {
		lastUpdated, expiresAt := s.LastUpdated, s.ExpiresAt
		st.LastUpdated = &lastUpdated
		st.NextRefreshDue = &expiresAt
	}

	return st
}

// Fresh reports whether the snapshot is within its expiry window.
func (s *Snapshot) Fresh(now time.Time) bool {
	return !s.LastUpdated.IsZero() && !now.After(s.ExpiresAt)
}

func (s *Snapshot) Listing(auctionID string) (lotwatch.Listing, bool) {
	i, ok := s.byID[auctionID]
	if !ok {
		return lotwatch.Listing{}, false
	}

	return s.Listings[i], true
}

// Sources lists the distinct adapters present in the snapshot.
func (s *Snapshot) Sources() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, l := range s.Listings {
		if _, ok := seen[l.Source]; ok {
			continue
		}
		seen[l.Source] = struct{}{}
		out = append(out, l.Source)
	}
	slices.Sort(out)

	return out
}

// Recent returns up to n listings, most recently updated first.
func (s *Snapshot) Recent(n int) []lotwatch.Listing {
	out := slices.Clone(s.Listings)
	slices.SortStableFunc(out, func(a, b lotwatch.Listing) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		if a.AuctionID < b.AuctionID {
			return -1
		}
		if a.AuctionID > b.AuctionID {
			return 1
		}
		return 0
	})
	if len(out) > n {
		out = out[:n]
	}

	return out
}
