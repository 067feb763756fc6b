package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/download"
	"github.com/mmcdole/pixmirror/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves listings page by page from memory. Pages are addressed
// by PageRequest.Offset holding the page index.
type fakeSource struct {
	mu sync.Mutex

	listings    map[domain.Scope][][]domain.ItemDescriptor
	rateLimits  map[string]int // "scope/page" -> signals left
	unavailable map[int64]bool
	content     map[string][]byte
	failures    map[string]int // url -> failures left
	authErr     error

	pageCalls     map[string]int
	downloadCalls map[string]int
	blockDownload chan struct{} // when set, downloads wait for it
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		listings:      make(map[domain.Scope][][]domain.ItemDescriptor),
		rateLimits:    make(map[string]int),
		unavailable:   make(map[int64]bool),
		content:       make(map[string][]byte),
		failures:      make(map[string]int),
		pageCalls:     make(map[string]int),
		downloadCalls: make(map[string]int),
	}
}

func pageKey(scope domain.Scope, page int) string {
	return fmt.Sprintf("%s/%d", scope, page)
}

// addPage appends a page of items to a listing and registers their content
func (f *fakeSource) addPage(scope domain.Scope, items ...domain.ItemDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[scope] = append(f.listings[scope], items)
	for _, it := range items {
		for _, p := range it.Parts {
			f.content[p.URL] = []byte("content of " + p.URL)
		}
	}
}

func (f *fakeSource) Authenticate(ctx context.Context, credential string) (*domain.Session, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &domain.Session{AccessToken: "access", UserID: 1, UserName: "tester"}, nil
}

func (f *fakeSource) BookmarkPage(ctx context.Context, s *domain.Session, scope domain.Scope, req domain.PageRequest) (*domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := 0
	if req.Offset != "" {
		n, err := strconv.Atoi(req.Offset)
		if err != nil {
			return nil, err
		}
		idx = n
	}
	key := pageKey(scope, idx)
	f.pageCalls[key]++
	if f.rateLimits[key] > 0 {
		f.rateLimits[key]--
		return nil, domain.ErrRateLimited
	}

	pages := f.listings[scope]
	if idx >= len(pages) {
		return &domain.Page{}, nil
	}
	page := &domain.Page{Items: append([]domain.ItemDescriptor(nil), pages[idx]...)}
	if idx+1 < len(pages) {
		page.Next = &domain.PageRequest{Offset: strconv.Itoa(idx + 1)}
	}
	return page, nil
}

func (f *fakeSource) ItemDetail(ctx context.Context, s *domain.Session, itemID int64) (*domain.ItemDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[itemID] {
		return nil, fmt.Errorf("%w: %d", domain.ErrItemUnavailable, itemID)
	}
	for _, pages := range f.listings {
		for _, page := range pages {
			for _, it := range page {
				if it.ID == itemID {
					d := it
					return &d, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %d", domain.ErrItemUnavailable, itemID)
}

func (f *fakeSource) Download(ctx context.Context, url string, w io.Writer) (int64, int64, error) {
	f.mu.Lock()
	f.downloadCalls[url]++
	block := f.blockDownload
	fail := f.failures[url] > 0
	if fail {
		f.failures[url]--
	}
	data, ok := f.content[url]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, -1, ctx.Err()
		}
	}
	if fail {
		return 0, -1, errors.New("connection reset")
	}
	if !ok {
		return 0, -1, errors.New("404 not found")
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	return n, int64(len(data)), err
}

func (f *fakeSource) downloads(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadCalls[url]
}

func (f *fakeSource) pagesRead(scope domain.Scope, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls[pageKey(scope, page)]
}

// staticAuth authenticates against the fake source on every call
type staticAuth struct {
	repo  domain.BookmarkRepository
	calls int
	mu    sync.Mutex
}

func (a *staticAuth) Session(ctx context.Context) (*domain.Session, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.repo.Authenticate(ctx, "token")
}

// item builds a descriptor with n parts
func item(id int64, title string, n int) domain.ItemDescriptor {
	d := domain.ItemDescriptor{
		ID:            id,
		Title:         title,
		Author:        "artist",
		Tags:          []string{"tag"},
		BookmarkCount: 1,
		CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for i := 0; i < n; i++ {
		d.Parts = append(d.Parts, domain.PartRef{
			ItemID: id,
			Index:  i,
			URL:    fmt.Sprintf("https://img.example/%d_p%d.png", id, i),
			Ext:    ".png",
		})
	}
	return d
}

type fixture struct {
	src      *fakeSource
	auth     *staticAuth
	ledger   domain.Ledger
	manager  *download.Manager
	pipeline *Pipeline
	root     string
}

func newFixture(t *testing.T, scope domain.Scope) *fixture {
	t.Helper()
	src := newFakeSource()
	ledger, err := store.NewBoltLedger("", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	root := t.TempDir()
	manager, err := download.NewManager(src, ledger, download.Options{
		Root:        root,
		Concurrency: 2,
		Attempts:    5,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	auth := &staticAuth{repo: src}
	return &fixture{
		src:     src,
		auth:    auth,
		ledger:  ledger,
		manager: manager,
		root:    root,
		pipeline: &Pipeline{
			Source:  src,
			Auth:    auth,
			Ledger:  ledger,
			Manager: manager,
			Scope:   scope,
			Walk:    WalkerOptions{Cooldown: time.Millisecond, RateLimitRetries: 3},
			Token:   NewWriteToken(),
			Logger:  testLogger(),
		},
	}
}
