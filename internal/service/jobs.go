package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/download"
)

// JobKind names a reconciliation job
type JobKind string

const (
	JobVerifyFiles     JobKind = "verify-files"
	JobVerifyBookmarks JobKind = "verify-bookmarks"
	JobFetchRecent     JobKind = "fetch-recent"
)

// JobKinds lists every job in display order
var JobKinds = []JobKind{JobVerifyFiles, JobVerifyBookmarks, JobFetchRecent}

const (
	DefaultFetchRecentLimit = 100
	progressEvery           = 100
)

// ParseJobKind validates a job name
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range JobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown job %q", domain.ErrInvalidConfig, s)
}

// VerifyFilesResult reports a verify-files run
type VerifyFilesResult struct {
	Checked   int `json:"checked" yaml:"checked"`
	Missing   int `json:"missing" yaml:"missing"`
	Repaired  int `json:"repaired" yaml:"repaired"`
	Failed    int `json:"failed" yaml:"failed"`
	Finalized int `json:"finalized" yaml:"finalized"` // files on disk adopted into the ledger
}

// VerifyBookmarksResult reports a verify-bookmarks run
type VerifyBookmarksResult struct {
	Scanned         int `json:"scanned" yaml:"scanned"`
	NewlyDownloaded int `json:"newly_downloaded" yaml:"newly_downloaded"` // parts
	AlreadyPresent  int `json:"already_present" yaml:"already_present"`   // items
	Failed          int `json:"failed" yaml:"failed"`
}

// FetchRecentResult reports a fetch-recent run
type FetchRecentResult struct {
	Processed  int                 `json:"processed" yaml:"processed"`
	Downloaded int                 `json:"downloaded" yaml:"downloaded"`
	Skipped    int                 `json:"skipped" yaml:"skipped"`
	Failed     int                 `json:"failed" yaml:"failed"`
	NextCursor string              `json:"next_cursor,omitempty" yaml:"next_cursor,omitempty"` // empty when the listings are exhausted
	Latest     *domain.ItemSummary `json:"latest,omitempty" yaml:"latest,omitempty"`
}

// JobResult holds the result of exactly one job kind
type JobResult struct {
	VerifyFiles     *VerifyFilesResult     `json:"verify_files,omitempty" yaml:"verify_files,omitempty"`
	VerifyBookmarks *VerifyBookmarksResult `json:"verify_bookmarks,omitempty" yaml:"verify_bookmarks,omitempty"`
	FetchRecent     *FetchRecentResult     `json:"fetch_recent,omitempty" yaml:"fetch_recent,omitempty"`
}

// JobState is the observable state of one job kind
type JobState struct {
	Kind       JobKind    `json:"kind" yaml:"kind"`
	Running    bool       `json:"running" yaml:"running"`
	RunID      string     `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Progress   *JobResult `json:"progress,omitempty" yaml:"progress,omitempty"`
	Last       *JobResult `json:"last,omitempty" yaml:"last,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// JobParams are the optional inputs of a job
type JobParams struct {
	Limit  int    // fetch-recent: items to process, 0 = default
	Cursor string // fetch-recent: resume position from a previous NextCursor
}

// Jobs runs reconciliation jobs under the shared write token
type Jobs struct {
	p   *Pipeline
	now func() time.Time

	mu     sync.Mutex
	states map[JobKind]JobState

	wg sync.WaitGroup
}

// NewJobs creates the job runner over p
func NewJobs(p *Pipeline) (*Jobs, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	j := &Jobs{p: p, now: time.Now, states: make(map[JobKind]JobState)}
	for _, k := range JobKinds {
		j.states[k] = JobState{Kind: k}
	}
	return j, nil
}

// Status returns a snapshot of the job kind
func (j *Jobs) Status(kind JobKind) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.states[kind]
}

// Start launches a job on its own goroutine and returns its initial state.
// It fails fast with ErrJobAlreadyRunning while the write token is held.
func (j *Jobs) Start(ctx context.Context, kind JobKind, params JobParams) (JobState, error) {
	run, err := j.prepare(kind, params)
	if err != nil {
		return JobState{}, err
	}
	state := j.begin(kind)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.p.Token.Release()
		res, err := run(ctx)
		j.finish(kind, res, err)
	}()
	return state, nil
}

// Run executes a job synchronously and returns its final state. Job
// failures are reported in JobState.Error.
func (j *Jobs) Run(ctx context.Context, kind JobKind, params JobParams) (JobState, error) {
	run, err := j.prepare(kind, params)
	if err != nil {
		return JobState{}, err
	}
	j.begin(kind)
	defer j.p.Token.Release()
	res, err := run(ctx)
	return j.finish(kind, res, err), nil
}

// Wait blocks until every job started with Start has finished
func (j *Jobs) Wait() {
	j.wg.Wait()
}

// prepare validates params and takes the write token
func (j *Jobs) prepare(kind JobKind, params JobParams) (func(context.Context) (*JobResult, error), error) {
	var run func(context.Context) (*JobResult, error)
	switch kind {
	case JobVerifyFiles:
		run = func(ctx context.Context) (*JobResult, error) {
			res, err := j.verifyFiles(ctx)
			return &JobResult{VerifyFiles: &res}, err
		}
	case JobVerifyBookmarks:
		run = func(ctx context.Context) (*JobResult, error) {
			res, err := j.verifyBookmarks(ctx)
			return &JobResult{VerifyBookmarks: &res}, err
		}
	case JobFetchRecent:
		if params.Limit < 0 {
			return nil, fmt.Errorf("%w: limit cannot be negative", domain.ErrInvalidConfig)
		}
		limit := params.Limit
		if limit == 0 {
			limit = DefaultFetchRecentLimit
		}
		var from *domain.Cursor
		if params.Cursor != "" {
			c, err := domain.ParseCursor(params.Cursor)
			if err != nil {
				return nil, err
			}
			from = &c
		}
		run = func(ctx context.Context) (*JobResult, error) {
			res, err := j.fetchRecent(ctx, limit, from)
			return &JobResult{FetchRecent: &res}, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown job %q", domain.ErrInvalidConfig, kind)
	}

	if !j.p.Token.TryAcquire(string(kind)) {
		return nil, fmt.Errorf("%w: held by %s", domain.ErrJobAlreadyRunning, j.p.Token.Holder())
	}
	return run, nil
}

func (j *Jobs) begin(kind JobKind) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.states[kind]
	st.Running = true
	st.RunID = uuid.NewString()
	st.StartedAt = j.now().UTC()
	st.FinishedAt = time.Time{}
	st.Progress = nil
	st.Error = ""
	j.states[kind] = st
	j.p.Logger.Info("job started", "job", kind, "run", st.RunID)
	return st
}

func (j *Jobs) progress(kind JobKind, r JobResult) {
	j.mu.Lock()
	st := j.states[kind]
	st.Progress = &r
	j.states[kind] = st
	j.mu.Unlock()
}

func (j *Jobs) finish(kind JobKind, res *JobResult, err error) JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.states[kind]
	st.Running = false
	st.FinishedAt = j.now().UTC()
	st.Progress = nil
	st.Last = res
	if err != nil {
		st.Error = err.Error()
		j.p.Logger.Error("job failed", "job", kind, "run", st.RunID, "error", err)
	} else {
		j.p.Logger.Info("job finished", "job", kind, "run", st.RunID)
	}
	j.states[kind] = st
	return st
}

// orphan is a part file on disk without a ledger record
type orphan struct {
	key domain.PartKey
	rel string
}

// verifyFiles re-downloads recorded parts whose file is gone and adopts
// part files that have no record.
func (j *Jobs) verifyFiles(ctx context.Context) (VerifyFilesResult, error) {
	var res VerifyFilesResult
	report := func() { j.progress(JobVerifyFiles, JobResult{VerifyFiles: ptr(res)}) }
	m := j.p.Manager

	var missing []domain.LedgerRecord
	recorded := make(map[domain.PartKey]struct{})
	err := j.p.Ledger.Each(ctx, func(rec domain.LedgerRecord) error {
		res.Checked++
		recorded[rec.Key()] = struct{}{}
		if !m.Present(rec.Path) {
			missing = append(missing, rec)
			res.Missing++
		}
		if res.Checked%progressEvery == 0 {
			report()
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	var orphans []orphan
	err = download.ScanParts(m.Root(), func(key domain.PartKey, rel string) error {
		if _, ok := recorded[key]; !ok {
			orphans = append(orphans, orphan{key: key, rel: rel})
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan download root: %w", err)
	}
	report()

	if len(missing) == 0 && len(orphans) == 0 {
		return res, nil
	}
	j.p.Logger.Info("reconciling files", "missing", len(missing), "orphans", len(orphans))

	session, err := j.p.Auth.Session(ctx)
	if err != nil {
		return res, err
	}

	details := make(map[int64]*domain.ItemDescriptor)
	lookup := func(itemID int64) (*domain.ItemDescriptor, error) {
		if d, ok := details[itemID]; ok {
			return d, nil
		}
		d, err := j.p.Source.ItemDetail(ctx, session, itemID)
		if err != nil {
			return nil, err
		}
		details[itemID] = d
		return d, nil
	}

	for _, rec := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := lookup(rec.ItemID)
		if err != nil {
			j.p.Logger.Warn("item could not be retrieved, leaving missing", "item", rec.ItemID, "error", err)
			res.Failed++
			report()
			continue
		}
		part, ok := d.Part(rec.Part)
		if !ok {
			j.p.Logger.Warn("part missing in item metadata, leaving missing", "item", rec.ItemID, "part", rec.Part)
			res.Failed++
			report()
			continue
		}
		if _, err := m.FetchPart(ctx, *d, part); err != nil {
			if errors.Is(err, domain.ErrLedgerIO) {
				return res, err
			}
			j.p.Logger.Error("re-download failed", "part", rec.Key(), "error", err)
			res.Failed++
			report()
			continue
		}
		res.Repaired++
		report()
	}

	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := lookup(o.key.ItemID)
		if err != nil {
			j.p.Logger.Warn("cannot finalize file, item unavailable", "path", o.rel, "error", err)
			res.Failed++
			continue
		}
		part, ok := d.Part(o.key.Part)
		if !ok {
			j.p.Logger.Warn("cannot finalize file, part unknown", "path", o.rel)
			res.Failed++
			continue
		}
		if _, err := m.Adopt(ctx, *d, part, o.rel); err != nil {
			return res, err
		}
		res.Finalized++
		report()
	}

	return res, nil
}

// verifyBookmarks walks the whole listing and downloads items the ledger
// has never seen. Nothing is deleted.
func (j *Jobs) verifyBookmarks(ctx context.Context) (VerifyBookmarksResult, error) {
	var res VerifyBookmarksResult
	var mu sync.Mutex

	walker, _, err := j.p.connect(ctx, j.p.Walk)
	if err != nil {
		return res, err
	}
	cur, err := domain.NewCursor(j.p.Scope)
	if err != nil {
		return res, err
	}
	walk := NewWalkFeed(walker, cur)

	feed := filterFeed{inner: walk, keep: func(ctx context.Context, d domain.ItemDescriptor) (bool, error) {
		present, err := j.p.Ledger.HasItem(ctx, d.ID)
		if err != nil || !present {
			return !present, err
		}
		mu.Lock()
		res.AlreadyPresent++
		mu.Unlock()
		return false, nil
	}}

	outcome, err := j.p.Manager.Run(ctx, feed, func(o domain.CycleOutcome) {
		mu.Lock()
		snap := VerifyBookmarksResult{
			Scanned:         walk.Scanned(),
			NewlyDownloaded: o.Downloaded + o.Recovered,
			AlreadyPresent:  res.AlreadyPresent,
			Failed:          o.Failed,
		}
		mu.Unlock()
		j.progress(JobVerifyBookmarks, JobResult{VerifyBookmarks: &snap})
	})

	mu.Lock()
	defer mu.Unlock()
	res.Scanned = walk.Stats.Items
	res.NewlyDownloaded = outcome.Downloaded + outcome.Recovered
	res.Failed = outcome.Failed
	return res, err
}

// fetchRecent processes at most limit items starting at from (or the top of
// every listing) and returns where the next batch should start.
func (j *Jobs) fetchRecent(ctx context.Context, limit int, from *domain.Cursor) (FetchRecentResult, error) {
	var res FetchRecentResult

	opts := j.p.Walk
	opts.MaxPages = 0 // bounded by limit
	walker, _, err := j.p.connect(ctx, opts)
	if err != nil {
		return res, err
	}

	var cur domain.Cursor
	if from != nil {
		cur = *from
	} else if cur, err = domain.NewCursor(j.p.Scope); err != nil {
		return res, err
	}
	walk := NewWalkFeed(walker, cur)

	var mu sync.Mutex
	feed := limitFeed{inner: walk, limit: limit, onItem: func(d domain.ItemDescriptor) {
		mu.Lock()
		res.Processed++
		if res.Latest == nil {
			res.Latest = d.Summary()
		}
		mu.Unlock()
	}}

	outcome, err := j.p.Manager.Run(ctx, feed, func(o domain.CycleOutcome) {
		mu.Lock()
		snap := res
		mu.Unlock()
		snap.Downloaded = o.Downloaded + o.Recovered
		snap.Skipped = o.Skipped
		snap.Failed = o.Failed
		j.progress(JobFetchRecent, JobResult{FetchRecent: &snap})
	})

	mu.Lock()
	defer mu.Unlock()
	res.Downloaded = outcome.Downloaded + outcome.Recovered
	res.Skipped = outcome.Skipped
	res.Failed = outcome.Failed
	if !walk.Next.Exhausted() {
		res.NextCursor = walk.Next.Encode()
	}
	j.p.Logger.Info("recent batch processed",
		"processed", res.Processed,
		"downloaded", res.Downloaded,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"has_next", res.NextCursor != "",
	)
	return res, err
}

// filterFeed forwards only the items keep accepts
type filterFeed struct {
	inner download.Feed
	keep  func(context.Context, domain.ItemDescriptor) (bool, error)
}

func (f filterFeed) Walk(ctx context.Context, fn func(domain.ItemDescriptor) error) error {
	return f.inner.Walk(ctx, func(d domain.ItemDescriptor) error {
		ok, err := f.keep(ctx, d)
		if err != nil || !ok {
			return err
		}
		return fn(d)
	})
}

// limitFeed stops the walk after limit items
type limitFeed struct {
	inner  download.Feed
	limit  int
	onItem func(domain.ItemDescriptor)
}

func (f limitFeed) Walk(ctx context.Context, fn func(domain.ItemDescriptor) error) error {
	n := 0
	return f.inner.Walk(ctx, func(d domain.ItemDescriptor) error {
		n++
		if f.onItem != nil {
			f.onItem(d)
		}
		if err := fn(d); err != nil {
			return err
		}
		if n >= f.limit {
			return ErrStopWalk
		}
		return nil
	})
}

func ptr[T any](v T) *T {
	return &v
}
