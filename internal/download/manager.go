// Package download materializes parts on disk and records them in the ledger.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 16

	defaultAttempts   = 5
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultTimeout    = 2 * time.Minute

	// queueFactor bounds queued tasks to queueFactor*concurrency
	queueFactor = 3
)

// Feed yields item descriptors to the pipeline
type Feed interface {
	Walk(ctx context.Context, fn func(domain.ItemDescriptor) error) error
}

// SliceFeed is a Feed over a fixed list of descriptors
type SliceFeed []domain.ItemDescriptor

func (s SliceFeed) Walk(ctx context.Context, fn func(domain.ItemDescriptor) error) error {
	for _, d := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// Options configures a Manager
type Options struct {
	Root        string
	Concurrency int
	Attempts    int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration // per attempt
}

// Manager runs the per-part download pipeline
type Manager struct {
	fetcher domain.ContentFetcher
	ledger  domain.Ledger
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager validates opts and creates a Manager
func NewManager(fetcher domain.ContentFetcher, ledger domain.Ledger, opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.Concurrency < MinConcurrency || opts.Concurrency > MaxConcurrency {
		return nil, fmt.Errorf("%w: concurrency must be between %d and %d (got %d)",
			domain.ErrInvalidConfig, MinConcurrency, MaxConcurrency, opts.Concurrency)
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: download root is required", domain.ErrInvalidConfig)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fetcher: fetcher,
		ledger:  ledger,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Root returns the download root
func (m *Manager) Root() string {
	return m.opts.Root
}

type task struct {
	item domain.ItemDescriptor
	part domain.PartRef
}

// tally accumulates the outcome of a run across workers
type tally struct {
	mu         sync.Mutex
	outcome    domain.CycleOutcome
	onProgress func(domain.CycleOutcome)
}

func (t *tally) add(fn func(o *domain.CycleOutcome)) {
	t.mu.Lock()
	fn(&t.outcome)
	snap := t.outcome
	t.mu.Unlock()
	if t.onProgress != nil {
		t.onProgress(snap)
	}
}

func (t *tally) snapshot() domain.CycleOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Run drains feed through the worker pool. Part failures are counted and
// never abort the run; feed errors and ledger failures do. On cancellation
// started transfers finish and queued ones are dropped.
func (m *Manager) Run(ctx context.Context, feed Feed, onProgress func(domain.CycleOutcome)) (domain.CycleOutcome, error) {
	t := &tally{onProgress: onProgress}
	tasks := make(chan task, queueFactor*m.opts.Concurrency)

	var inflightMu sync.Mutex
	inflight := make(map[domain.PartKey]struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		return feed.Walk(gctx, func(d domain.ItemDescriptor) error {
			t.add(func(o *domain.CycleOutcome) { o.Scanned++ })
			if len(d.Parts) == 0 {
				m.logger.Warn("item has no downloadable parts", "item", d.ID)
			}
			for _, p := range d.Parts {
				key := p.Key()
				inflightMu.Lock()
				_, busy := inflight[key]
				if !busy {
					inflight[key] = struct{}{}
				}
				inflightMu.Unlock()
				if busy {
					m.logger.Debug("part already queued", "part", key)
					continue
				}

				select {
				case tasks <- task{item: d, part: p}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	})

	for i := 0; i < m.opts.Concurrency; i++ {
		g.Go(func() error {
			for tk := range tasks {
				if gctx.Err() != nil {
					continue // drop queued work
				}
				err := m.handle(gctx, tk, t)
				inflightMu.Lock()
				delete(inflight, tk.part.Key())
				inflightMu.Unlock()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	outcome := t.snapshot()
	m.logger.Info("download run finished",
		"scanned", outcome.Scanned,
		"downloaded", outcome.Downloaded,
		"skipped", outcome.Skipped,
		"failed", outcome.Failed,
		"recovered", outcome.Recovered,
	)
	return outcome, err
}

// handle decides what a part needs and does it. Only ledger failures are returned.
func (m *Manager) handle(stop context.Context, tk task, t *tally) error {
	// Ledger work for a started task outlives the stop signal.
	ctx := context.WithoutCancel(stop)
	d, p := tk.item, tk.part
	rel := RelativePath(d, p)
	abs := filepath.Join(m.opts.Root, rel)

	rec, err := m.ledger.Get(ctx, p.ItemID, p.Index)
	switch {
	case err == nil:
		if fileExists(m.resolve(rec.Path)) {
			if u := domain.MetadataUpdateFrom(d); u.Differs(rec) {
				if err := m.ledger.UpdateMetadata(ctx, u); err != nil {
					return err
				}
			}
			t.add(func(o *domain.CycleOutcome) { o.Skipped++ })
			return nil
		}
		m.logger.Warn("recorded file missing, re-downloading", "part", p.Key(), "path", rec.Path)

	case errors.Is(err, domain.ErrNotFound):
		if fileExists(abs) {
			if err := m.commit(ctx, d, p, rel); err != nil {
				return err
			}
			m.logger.Info("adopted file without record", "part", p.Key(), "path", rel)
			t.add(func(o *domain.CycleOutcome) { o.Recovered++ })
			return nil
		}

	default:
		return err
	}

	if err := m.transfer(stop, p, abs); err != nil {
		m.logger.Error("transfer failed", "part", p.Key(), "url", p.URL, "error", err)
		t.add(func(o *domain.CycleOutcome) { o.Failed++ })
		return nil
	}
	if err := m.commit(ctx, d, p, rel); err != nil {
		return err
	}
	m.logger.Debug("part downloaded", "part", p.Key(), "path", rel)
	t.add(func(o *domain.CycleOutcome) { o.Downloaded++ })
	return nil
}

func (m *Manager) commit(ctx context.Context, d domain.ItemDescriptor, p domain.PartRef, rel string) error {
	return m.ledger.Upsert(ctx, domain.NewLedgerRecord(d, p, rel, m.now()))
}

// FetchPart downloads one part unconditionally and records it
func (m *Manager) FetchPart(ctx context.Context, d domain.ItemDescriptor, p domain.PartRef) (domain.LedgerRecord, error) {
	rel := RelativePath(d, p)
	if err := m.transfer(ctx, p, filepath.Join(m.opts.Root, rel)); err != nil {
		return domain.LedgerRecord{}, err
	}
	rec := domain.NewLedgerRecord(d, p, rel, m.now())
	if err := m.ledger.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return domain.LedgerRecord{}, err
	}
	return rec, nil
}

// Adopt records a part whose file already exists under the root
func (m *Manager) Adopt(ctx context.Context, d domain.ItemDescriptor, p domain.PartRef, rel string) (domain.LedgerRecord, error) {
	if !fileExists(filepath.Join(m.opts.Root, rel)) {
		return domain.LedgerRecord{}, fmt.Errorf("adopt %s: %w", p.Key(), os.ErrNotExist)
	}
	rec := domain.NewLedgerRecord(d, p, rel, m.now())
	if err := m.ledger.Upsert(ctx, rec); err != nil {
		return domain.LedgerRecord{}, err
	}
	return rec, nil
}

// Present reports whether the recorded file exists
func (m *Manager) Present(path string) bool {
	return fileExists(m.resolve(path))
}

// resolve maps a recorded path to disk. Relative paths live under the root;
// ledgers written by older tools may hold absolute ones.
func (m *Manager) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.opts.Root, path)
}

// fileExists reports whether path is a non-empty regular file
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
