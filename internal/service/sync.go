package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const (
	defaultHistory = 20
	cycleHolder    = "sync-cycle"
)

// Cycle reasons
const (
	ReasonManual   = "manual"
	ReasonSchedule = "schedule"
	ReasonStartup  = "startup"
)

// ControllerState is the coarse state of the sync controller
type ControllerState string

const (
	StateIdle    ControllerState = "idle"
	StateRunning ControllerState = "running"
)

// SyncStatus is a point-in-time view of the controller
type SyncStatus struct {
	State           ControllerState      `json:"state" yaml:"state"`
	Current         *domain.CycleRecord  `json:"current,omitempty" yaml:"current,omitempty"`
	History         []domain.CycleRecord `json:"history" yaml:"history"` // newest first
	PendingBackfill int                  `json:"pending_backfill" yaml:"pending_backfill"`
	Holder          string               `json:"holder,omitempty" yaml:"holder,omitempty"`
}

// ControllerOptions configures history retention and backfill
type ControllerOptions struct {
	History       int
	BackfillBatch int
}

// snapshot is the immutable state published to readers
type snapshot struct {
	state   ControllerState
	current *domain.CycleRecord
	history []domain.CycleRecord
}

// Controller runs sync cycles one at a time and publishes their state
type Controller struct {
	p    *Pipeline
	opts ControllerOptions
	now  func() time.Time

	trigger chan struct{}

	mu      sync.Mutex // guards cycles and publication order
	cycles  int
	history []domain.CycleRecord

	status atomic.Pointer[snapshot]
}

// NewController creates a controller over p
func NewController(p *Pipeline, opts ControllerOptions) (*Controller, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if opts.History <= 0 {
		opts.History = defaultHistory
	}
	if opts.BackfillBatch <= 0 {
		opts.BackfillBatch = defaultBackfillBatch
	}
	c := &Controller{
		p:       p,
		opts:    opts,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	c.status.Store(&snapshot{state: StateIdle})
	return c, nil
}

// StartCycle runs one cycle to completion. It fails fast with
// ErrAlreadyRunning if a cycle or job holds the write token; any other
// failure is recorded on the returned CycleRecord.
func (c *Controller) StartCycle(ctx context.Context, reason string) (domain.CycleRecord, error) {
	if !c.p.Token.TryAcquire(cycleHolder) {
		return domain.CycleRecord{}, fmt.Errorf("%w: held by %s", domain.ErrAlreadyRunning, c.p.Token.Holder())
	}
	defer c.p.Token.Release()

	if reason == "" {
		reason = ReasonManual
	}

	c.mu.Lock()
	c.cycles++
	rec := domain.CycleRecord{Number: c.cycles, Reason: reason, StartedAt: c.now().UTC()}
	c.publishLocked(StateRunning, &rec)
	c.mu.Unlock()

	c.p.Logger.Info("sync cycle started", "cycle", rec.Number, "reason", reason)

	err := c.runCycle(ctx, &rec)

	c.mu.Lock()
	rec.FinishedAt = c.now().UTC()
	if err != nil {
		rec.Error = err.Error()
	}
	c.history = append([]domain.CycleRecord{rec}, c.history...)
	if len(c.history) > c.opts.History {
		c.history = c.history[:c.opts.History]
	}
	c.publishLocked(StateIdle, nil)
	c.mu.Unlock()

	if err != nil {
		c.p.Logger.Error("sync cycle failed", "cycle", rec.Number, "error", err)
	} else {
		c.p.Logger.Info("sync cycle finished",
			"cycle", rec.Number,
			"scanned", rec.Outcome.Scanned,
			"downloaded", rec.Outcome.Downloaded,
			"skipped", rec.Outcome.Skipped,
			"failed", rec.Outcome.Failed,
			"recovered", rec.Outcome.Recovered,
			"backfilled", rec.Backfilled,
		)
	}
	return rec, nil
}

func (c *Controller) runCycle(ctx context.Context, rec *domain.CycleRecord) error {
	walker, session, err := c.p.connect(ctx, c.p.Walk)
	if err != nil {
		return err
	}

	cur, err := domain.NewCursor(c.p.Scope)
	if err != nil {
		return err
	}
	feed := NewWalkFeed(walker, cur)

	outcome, err := c.p.Manager.Run(ctx, feed, func(o domain.CycleOutcome) {
		o.Scanned = feed.Scanned()
		c.mu.Lock()
		rec.Outcome = o
		c.publishLocked(StateRunning, rec)
		c.mu.Unlock()
	})
	outcome.Scanned = feed.Stats.Items

	c.mu.Lock()
	rec.Outcome = outcome
	c.publishLocked(StateRunning, rec)
	c.mu.Unlock()

	if err != nil {
		return err
	}

	n, err := backfill(ctx, c.p.Source, session, c.p.Ledger, c.opts.BackfillBatch, c.p.Logger)
	c.mu.Lock()
	rec.Backfilled = n
	c.publishLocked(StateRunning, rec)
	c.mu.Unlock()
	return err
}

// publishLocked stores a fresh snapshot. Callers hold c.mu.
func (c *Controller) publishLocked(state ControllerState, current *domain.CycleRecord) {
	snap := &snapshot{
		state:   state,
		history: append([]domain.CycleRecord(nil), c.history...),
	}
	if current != nil {
		cp := *current
		snap.current = &cp
	}
	c.status.Store(snap)
}

// Trigger asks a waiting coordinator to start the next cycle now.
// Requests made while one is already pending are merged.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// WaitForNextCycle blocks until interval elapses or Trigger is called and
// reports whether another cycle should run. A zero interval means single-shot.
func (c *Controller) WaitForNextCycle(ctx context.Context, interval time.Duration) bool {
	_, ok := c.wait(ctx, interval)
	return ok
}

// wait is WaitForNextCycle that also says what woke it
func (c *Controller) wait(ctx context.Context, interval time.Duration) (string, bool) {
	if interval <= 0 {
		return "", false
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ReasonSchedule, true
	case <-c.trigger:
		return ReasonManual, true
	case <-ctx.Done():
		return "", false
	}
}

// Run is the coordinator loop: cycle, wait, repeat until ctx is done or
// the interval is zero. With startNow the first cycle runs immediately.
func (c *Controller) Run(ctx context.Context, interval time.Duration, startNow bool) error {
	if interval < 0 {
		return fmt.Errorf("%w: interval cannot be negative", domain.ErrInvalidConfig)
	}

	reason := ReasonStartup
	if !startNow {
		var ok bool
		if reason, ok = c.wait(ctx, interval); !ok {
			return ctx.Err()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.StartCycle(ctx, reason); err != nil {
			c.p.Logger.Warn("cycle skipped", "error", err)
		}
		var ok bool
		if reason, ok = c.wait(ctx, interval); !ok {
			return ctx.Err()
		}
	}
}

// Status returns the current snapshot plus the pending backfill count
func (c *Controller) Status(ctx context.Context) SyncStatus {
	snap := c.status.Load()
	st := SyncStatus{
		State:   snap.state,
		Current: snap.current,
		History: snap.history,
		Holder:  c.p.Token.Holder(),
	}
	n, err := c.p.Ledger.CountPendingMetadata(ctx)
	if err != nil {
		c.p.Logger.Warn("failed to count pending backfill", "error", err)
		n = -1
	}
	st.PendingBackfill = n
	return st
}
