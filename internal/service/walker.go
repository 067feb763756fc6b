package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const (
	defaultRateLimitCooldown = 30 * time.Second
	defaultRateLimitRetries  = 3
)

// ErrStopWalk is returned by a walk callback to end the walk after the
// current item. The walk then returns a cursor at the next unread item.
var ErrStopWalk = errors.New("stop walk")

// WalkerOptions configures pagination and rate-limit handling
type WalkerOptions struct {
	MaxPages         int // per listing, 0 = unbounded
	Cooldown         time.Duration
	RateLimitRetries int
}

// WalkStats summarizes one walk. Items counts every item read, duplicates included.
type WalkStats struct {
	Pages      int
	Items      int
	Duplicates int
}

// Walker streams item descriptors from the remote bookmark listings
type Walker struct {
	repo    domain.BookmarkRepository
	session *domain.Session
	opts    WalkerOptions
	logger  *slog.Logger
}

// NewWalker creates a walker bound to an authenticated session
func NewWalker(repo domain.BookmarkRepository, session *domain.Session, opts WalkerOptions, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultRateLimitCooldown
	}
	if opts.RateLimitRetries <= 0 {
		opts.RateLimitRetries = defaultRateLimitRetries
	}
	return &Walker{repo: repo, session: session, opts: opts, logger: logger}
}

// Walk reads the listings of from, calling fn once per distinct item.
// Listings are read a page at a time in round-robin order and items already
// emitted during this walk are dropped. The returned cursor resumes after
// the last item handed to fn.
func (w *Walker) Walk(ctx context.Context, from domain.Cursor, fn func(domain.ItemDescriptor) error) (WalkStats, domain.Cursor, error) {
	return w.walk(ctx, from, fn, nil)
}

// walk is Walk with an observer called after every item read, duplicates included
func (w *Walker) walk(ctx context.Context, from domain.Cursor, fn func(domain.ItemDescriptor) error, observe func(WalkStats)) (WalkStats, domain.Cursor, error) {
	var stats WalkStats

	cur := domain.Cursor{
		Listings: append([]domain.ListingCursor(nil), from.Listings...),
		Turn:     from.Turn,
	}
	if err := cur.Validate(); err != nil {
		return stats, cur, err
	}
	n := len(cur.Listings)

	seen := make(map[int64]struct{})
	pages := make([]int, n) // pages read per listing during this walk

	for {
		if err := ctx.Err(); err != nil {
			return stats, cur, err
		}

		idx := w.nextListing(cur, pages)
		if idx < 0 {
			break
		}
		lc := &cur.Listings[idx]

		page, err := w.fetchPage(ctx, lc.Scope, lc.Req)
		if err != nil {
			return stats, cur, err
		}
		stats.Pages++
		pages[idx]++

		w.logger.Debug("bookmark page read",
			"scope", lc.Scope,
			"page", lc.Pages+1,
			"items", len(page.Items),
			"has_next", page.Next != nil,
		)

		if len(page.Items) == 0 {
			lc.Skip = 0
			lc.Done = true
			cur.Turn = (idx + 1) % n
			continue
		}

		for k := lc.Skip; k < len(page.Items); k++ {
			item := page.Items[k]
			stats.Items++

			_, dup := seen[item.ID]
			if dup {
				stats.Duplicates++
			}
			if observe != nil {
				observe(stats)
			}
			if dup {
				continue
			}
			seen[item.ID] = struct{}{}

			if err := fn(item); err != nil {
				if k+1 < len(page.Items) {
					lc.Skip = k + 1
					cur.Turn = idx
				} else {
					advance(lc, page)
					cur.Turn = (idx + 1) % n
				}
				if errors.Is(err, ErrStopWalk) {
					return stats, cur, nil
				}
				return stats, cur, err
			}
		}

		advance(lc, page)
		cur.Turn = (idx + 1) % n
	}

	return stats, cur, nil
}

// nextListing picks the listing whose turn it is, skipping exhausted
// listings and those that reached the page limit. Returns -1 when none remain.
func (w *Walker) nextListing(cur domain.Cursor, pages []int) int {
	n := len(cur.Listings)
	for j := 0; j < n; j++ {
		idx := (cur.Turn + j) % n
		if cur.Listings[idx].Done {
			continue
		}
		if w.opts.MaxPages > 0 && pages[idx] >= w.opts.MaxPages {
			continue
		}
		return idx
	}
	return -1
}

// advance moves a listing cursor past a fully consumed page
func advance(lc *domain.ListingCursor, page *domain.Page) {
	lc.Skip = 0
	lc.Pages++
	if page.Next == nil {
		lc.Done = true
		return
	}
	lc.Req = *page.Next
}

// fetchPage reads one page, waiting out rate-limit signals. The same page is
// retried until the service answers or the signal repeats RateLimitRetries times.
func (w *Walker) fetchPage(ctx context.Context, scope domain.Scope, req domain.PageRequest) (*domain.Page, error) {
	for signals := 1; ; signals++ {
		page, err := w.repo.BookmarkPage(ctx, w.session, scope, req)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, domain.ErrRateLimited) {
			return nil, err
		}
		if signals >= w.opts.RateLimitRetries {
			w.logger.Error("rate limit persisted", "scope", scope, "signals", signals)
			return nil, fmt.Errorf("%w: %s listing after %d signals", domain.ErrRateLimitExceeded, scope, signals)
		}

		w.logger.Warn("rate limited, cooling down",
			"scope", scope,
			"cooldown", w.opts.Cooldown,
			"signal", signals,
		)
		timer := time.NewTimer(w.opts.Cooldown)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// WalkFeed exposes one walk from a fixed cursor as a download feed and keeps
// the stats and resume cursor of the last run.
type WalkFeed struct {
	walker  *Walker
	from    domain.Cursor
	scanned atomic.Int64

	Stats WalkStats
	Next  domain.Cursor
}

// NewWalkFeed creates a feed that walks w starting at from
func NewWalkFeed(w *Walker, from domain.Cursor) *WalkFeed {
	return &WalkFeed{walker: w, from: from}
}

// Walk implements download.Feed
func (f *WalkFeed) Walk(ctx context.Context, fn func(domain.ItemDescriptor) error) error {
	stats, next, err := f.walker.walk(ctx, f.from, fn, func(s WalkStats) {
		f.scanned.Store(int64(s.Items))
	})
	f.Stats = stats
	f.Next = next
	return err
}

// Scanned returns the items read so far, duplicates included. It is safe to
// call while the walk runs.
func (f *WalkFeed) Scanned() int {
	return int(f.scanned.Load())
}
