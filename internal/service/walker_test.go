package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

var testSession = &domain.Session{AccessToken: "access", UserID: 1}

func newTestWalker(src *fakeSource, opts WalkerOptions) *Walker {
	if opts.Cooldown == 0 {
		opts.Cooldown = time.Millisecond
	}
	return NewWalker(src, testSession, opts, testLogger())
}

func mustCursor(t *testing.T, scope domain.Scope) domain.Cursor {
	t.Helper()
	c, err := domain.NewCursor(scope)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// collect walks and returns the ids handed to fn
func collect(t *testing.T, w *Walker, from domain.Cursor) ([]int64, WalkStats, domain.Cursor) {
	t.Helper()
	var ids []int64
	stats, next, err := w.Walk(context.Background(), from, func(d domain.ItemDescriptor) error {
		ids = append(ids, d.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ids, stats, next
}

func TestWalkerReadsUntilExhausted(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1), item(2, "b", 1))
	src.addPage(domain.ScopePublic, item(3, "c", 1))
	src.addPage(domain.ScopePublic, item(4, "d", 1))

	ids, stats, next := collect(t, newTestWalker(src, WalkerOptions{}), mustCursor(t, domain.ScopePublic))

	if want := []int64{1, 2, 3, 4}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if stats.Pages != 3 || stats.Items != 4 {
		t.Errorf("stats = %+v", stats)
	}
	if !next.Exhausted() {
		t.Error("cursor should be exhausted")
	}
}

func TestWalkerEmptyListing(t *testing.T) {
	src := newFakeSource()
	ids, stats, next := collect(t, newTestWalker(src, WalkerOptions{}), mustCursor(t, domain.ScopePrivate))
	if len(ids) != 0 || stats.Pages != 1 {
		t.Errorf("ids = %v, stats = %+v", ids, stats)
	}
	if !next.Exhausted() {
		t.Error("an empty page should end the listing")
	}
}

func TestWalkerMaxPages(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))
	src.addPage(domain.ScopePublic, item(2, "b", 1))
	src.addPage(domain.ScopePublic, item(3, "c", 1))

	w := newTestWalker(src, WalkerOptions{MaxPages: 2})
	ids, stats, next := collect(t, w, mustCursor(t, domain.ScopePublic))
	if want := []int64{1, 2}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if stats.Pages != 2 {
		t.Errorf("pages = %d, want 2", stats.Pages)
	}
	if next.Exhausted() {
		t.Fatal("cursor should not be exhausted after hitting the page limit")
	}
	if src.pagesRead(domain.ScopePublic, 2) != 0 {
		t.Error("third page should not be requested")
	}

	ids, _, next = collect(t, w, next)
	if want := []int64{3}; !reflect.DeepEqual(ids, want) {
		t.Errorf("resumed ids = %v, want %v", ids, want)
	}
	if !next.Exhausted() {
		t.Error("cursor should be exhausted")
	}
}

func TestWalkerBothScopesDedup(t *testing.T) {
	src := newFakeSource()
	shared := item(10, "shared", 1)
	src.addPage(domain.ScopePublic, shared)
	src.addPage(domain.ScopePrivate, shared)

	ids, stats, _ := collect(t, newTestWalker(src, WalkerOptions{}), mustCursor(t, domain.ScopeBoth))
	if want := []int64{10}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if stats.Items != 2 || stats.Duplicates != 1 {
		t.Errorf("stats = %+v, want 2 items and 1 duplicate", stats)
	}
}

func TestWalkerInterleavesListings(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))
	src.addPage(domain.ScopePublic, item(2, "b", 1))
	src.addPage(domain.ScopePrivate, item(3, "c", 1))

	ids, _, next := collect(t, newTestWalker(src, WalkerOptions{}), mustCursor(t, domain.ScopeBoth))
	if want := []int64{1, 3, 2}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if !next.Exhausted() {
		t.Error("cursor should be exhausted")
	}
}

func TestWalkerRecoversFromRateLimit(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))
	src.addPage(domain.ScopePublic, item(2, "b", 1))
	src.addPage(domain.ScopePublic, item(3, "c", 1))
	src.rateLimits[pageKey(domain.ScopePublic, 1)] = 1

	ids, stats, _ := collect(t, newTestWalker(src, WalkerOptions{RateLimitRetries: 3}), mustCursor(t, domain.ScopePublic))
	if want := []int64{1, 2, 3}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
	if stats.Pages != 3 {
		t.Errorf("pages = %d, want 3", stats.Pages)
	}
	if got := src.pagesRead(domain.ScopePublic, 1); got != 2 {
		t.Errorf("page 2 requested %d times, want 2", got)
	}
}

func TestWalkerRateLimitExceeded(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))
	src.rateLimits[pageKey(domain.ScopePublic, 0)] = 10

	w := newTestWalker(src, WalkerOptions{RateLimitRetries: 3})
	_, _, err := w.Walk(context.Background(), mustCursor(t, domain.ScopePublic), func(domain.ItemDescriptor) error {
		t.Error("no item should be emitted")
		return nil
	})
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
	if got := src.pagesRead(domain.ScopePublic, 0); got != 3 {
		t.Errorf("page requested %d times, want 3", got)
	}
}

func TestWalkerCooldownHonorsCancel(t *testing.T) {
	src := newFakeSource()
	src.rateLimits[pageKey(domain.ScopePublic, 0)] = 10

	w := newTestWalker(src, WalkerOptions{Cooldown: time.Hour, RateLimitRetries: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := w.Walk(ctx, mustCursor(t, domain.ScopePublic), func(domain.ItemDescriptor) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWalkerStopAndResume(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1), item(2, "b", 1), item(3, "c", 1))
	src.addPage(domain.ScopePublic, item(4, "d", 1))
	w := newTestWalker(src, WalkerOptions{})

	var ids []int64
	_, next, err := w.Walk(context.Background(), mustCursor(t, domain.ScopePublic), func(d domain.ItemDescriptor) error {
		ids = append(ids, d.ID)
		if d.ID == 2 {
			return ErrStopWalk
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int64{1, 2}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	// the cursor survives encoding
	decoded, err := domain.ParseCursor(next.Encode())
	if err != nil {
		t.Fatal(err)
	}
	rest, _, final := collect(t, w, decoded)
	if want := []int64{3, 4}; !reflect.DeepEqual(rest, want) {
		t.Errorf("resumed ids = %v, want %v", rest, want)
	}
	if !final.Exhausted() {
		t.Error("cursor should be exhausted")
	}
}

func TestWalkerCallbackError(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))
	boom := errors.New("boom")

	_, _, err := newTestWalker(src, WalkerOptions{}).Walk(context.Background(), mustCursor(t, domain.ScopePublic),
		func(domain.ItemDescriptor) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestWalkerRejectsEmptyCursor(t *testing.T) {
	_, _, err := newTestWalker(newFakeSource(), WalkerOptions{}).Walk(context.Background(), domain.Cursor{},
		func(domain.ItemDescriptor) error { return nil })
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWalkerRejectsInvalidPositions(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1))

	cursors := []domain.Cursor{
		{Listings: []domain.ListingCursor{{Scope: domain.ScopePublic}, {Scope: domain.ScopePrivate}}, Turn: -1},
		{Listings: []domain.ListingCursor{{Scope: domain.ScopePublic}}, Turn: 1},
		{Listings: []domain.ListingCursor{{Scope: domain.ScopePublic, Skip: -1}}},
	}
	for _, c := range cursors {
		_, _, err := newTestWalker(src, WalkerOptions{}).Walk(context.Background(), c,
			func(domain.ItemDescriptor) error { return nil })
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("Walk(%+v) = %v, want ErrInvalidConfig", c, err)
		}
	}
	if n := src.pagesRead(domain.ScopePublic, 0); n != 0 {
		t.Errorf("read %d pages from an invalid cursor", n)
	}
}

func TestWalkFeedScannedCountsDuplicates(t *testing.T) {
	src := newFakeSource()
	src.addPage(domain.ScopePublic, item(1, "a", 1), item(2, "b", 1))
	src.addPage(domain.ScopePrivate, item(2, "b", 1), item(3, "c", 1))

	feed := NewWalkFeed(newTestWalker(src, WalkerOptions{}), mustCursor(t, domain.ScopeBoth))
	var live []int
	err := feed.Walk(context.Background(), func(d domain.ItemDescriptor) error {
		live = append(live, feed.Scanned())
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{1, 2, 4}; !reflect.DeepEqual(live, want) {
		t.Errorf("live scanned = %v, want %v", live, want)
	}
	if feed.Scanned() != feed.Stats.Items || feed.Stats.Items != 4 {
		t.Errorf("final scanned = %d, stats = %+v", feed.Scanned(), feed.Stats)
	}
}
