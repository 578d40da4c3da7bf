// Package tracker makes every stage resumable: it decides which boundaries
// still need a stage, hands out exclusive claims, and records how each claim
// ended. All state lives in the boundary catalog; nothing is kept in memory
// across runs.
package tracker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/network-metrics/internal/boundary"
)

// ErrClaimConflict means another worker holds (or took over) the claim. It is
// a skip signal, not a failure.
var ErrClaimConflict = eris.New("tracker: claim held by another worker")

// ErrPrerequisite means an earlier stage has not finished for the boundary.
var ErrPrerequisite = eris.New("tracker: prerequisite stage not done")

const maxErrorLen = 4000

// Options configures a Tracker.
type Options struct {
	// Owner identifies this process in claimed_by. Defaults to NewOwner().
	Owner string
	// StaleAfter is how long an in_progress claim may go without a heartbeat
	// before Reconcile treats it as abandoned.
	StaleAfter time.Duration
	// HeartbeatEvery is the KeepAlive period. Defaults to StaleAfter/3.
	HeartbeatEvery time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Tracker drives the per-(boundary, stage) state machine
// pending -> in_progress -> done|failed through a boundary.Store.
type Tracker struct {
	store          boundary.Store
	owner          string
	staleAfter     time.Duration
	heartbeatEvery time.Duration
	now            func() time.Time
	log            *zap.Logger
}

// NewOwner returns a claim token unique to this process: host/pid-uuid.
func NewOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// New creates a Tracker over store.
func New(store boundary.Store, opts Options) *Tracker {
	if opts.Owner == "" {
		opts.Owner = NewOwner()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = opts.StaleAfter / 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		store:          store,
		owner:          opts.Owner,
		staleAfter:     opts.StaleAfter,
		heartbeatEvery: opts.HeartbeatEvery,
		now:            func() time.Time { return opts.Clock().UTC() },
		log:            zap.L().With(zap.String("component", "tracker")),
	}
}

// Owner returns the claim token written to claimed_by.
func (t *Tracker) Owner() string { return t.owner }

// ForWorker returns a tracker sharing the store whose claims are tagged with
// the worker index.
func (t *Tracker) ForWorker(i int) *Tracker {
	cp := *t
	cp.owner = fmt.Sprintf("%s/w%d", t.owner, i)
	cp.log = t.log.With(zap.String("owner", cp.owner))
	return &cp
}

// Store exposes the underlying catalog for read-only listings.
func (t *Tracker) Store() boundary.Store { return t.store }

// Pending returns the boundaries of extent whose status for stage is not
// done, earliest-defined first.
func (t *Tracker) Pending(ctx context.Context, stage boundary.Stage, extent string) ([]boundary.Boundary, error) {
	statuses, err := t.store.StageStatuses(ctx, extent, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: statuses for %s/%s", extent, stage)
	}
	open := make(map[int64]bool, len(statuses))
	for _, s := range statuses {
		if s.Status != boundary.StatusDone {
			open[s.BoundaryID] = true
		}
	}
	if len(open) == 0 {
		return nil, nil
	}

	all, err := t.store.ListBoundaries(ctx, extent)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: list boundaries for %s", extent)
	}
	pending := make([]boundary.Boundary, 0, len(open))
	for _, b := range all {
		if open[b.ID] {
			pending = append(pending, b)
		}
	}
	boundary.SortByID(pending)
	return pending, nil
}

// Claim reserves (b, stage) for this tracker's owner. It returns false with
// a nil error when another worker already holds the claim or the stage is
// already done, and an ErrPrerequisite-wrapped error when an earlier stage
// (the stage's own prerequisites plus extra) is not done yet.
func (t *Tracker) Claim(ctx context.Context, b boundary.Boundary, stage boundary.Stage, extra ...boundary.Stage) (bool, error) {
	for _, req := range append(stage.Requires(), extra...) {
		st, err := t.store.StatusOf(ctx, b.ID, req)
		if err != nil {
			return false, eris.Wrapf(err, "tracker: prerequisite %s for boundary %d", req, b.ID)
		}
		if st != boundary.StatusDone {
			return false, eris.Wrapf(ErrPrerequisite, "boundary %d: %s is %s", b.ID, req, st)
		}
	}

	ok, err := t.store.Claim(ctx, b.ID, stage, t.owner, t.now())
	if err != nil {
		return false, eris.Wrapf(err, "tracker: claim boundary %d for %s", b.ID, stage)
	}
	if !ok {
		t.log.Debug("claim conflict", zap.Int64("boundary_id", b.ID), zap.String("stage", string(stage)))
	}
	return ok, nil
}

// Complete marks a claimed boundary done.
func (t *Tracker) Complete(ctx context.Context, b boundary.Boundary, stage boundary.Stage) error {
	ok, err := t.store.Complete(ctx, b.ID, stage, t.owner, t.now())
	if err != nil {
		return eris.Wrapf(err, "tracker: complete boundary %d for %s", b.ID, stage)
	}
	if !ok {
		return eris.Wrapf(ErrClaimConflict, "complete boundary %d for %s", b.ID, stage)
	}
	return nil
}

// Fail marks a claimed boundary failed and records cause.
func (t *Tracker) Fail(ctx context.Context, b boundary.Boundary, stage boundary.Stage, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	ok, err := t.store.Fail(ctx, b.ID, stage, t.owner, msg, t.now())
	if err != nil {
		return eris.Wrapf(err, "tracker: fail boundary %d for %s", b.ID, stage)
	}
	if !ok {
		return eris.Wrapf(ErrClaimConflict, "fail boundary %d for %s", b.ID, stage)
	}
	return nil
}

// Reset forces every boundary of extent back to pending for stage,
// discarding completion history. Raw and derived data are untouched.
func (t *Tracker) Reset(ctx context.Context, stage boundary.Stage, extent string) (int64, error) {
	n, err := t.store.Reset(ctx, extent, stage, t.now())
	if err != nil {
		return 0, eris.Wrapf(err, "tracker: reset %s/%s", extent, stage)
	}
	t.log.Info("reset stage", zap.String("extent", extent), zap.String("stage", string(stage)), zap.Int64("boundaries", n))
	return n, nil
}

// Reconcile fails in_progress claims with no heartbeat within the stale
// timeout so the next scan requeues them.
func (t *Tracker) Reconcile(ctx context.Context, stage boundary.Stage, extent string) (int64, error) {
	now := t.now()
	cutoff := now.Add(-t.staleAfter)
	msg := fmt.Sprintf("stale claim: no heartbeat since %s", cutoff.Format(time.RFC3339))

	n, err := t.store.ReleaseStale(ctx, extent, stage, cutoff, msg, now)
	if err != nil {
		return 0, eris.Wrapf(err, "tracker: reconcile %s/%s", extent, stage)
	}
	if n > 0 {
		t.log.Warn("released stale claims",
			zap.String("extent", extent),
			zap.String("stage", string(stage)),
			zap.Int64("boundaries", n),
		)
	}
	return n, nil
}

// Heartbeat refreshes the claim's heartbeat.
func (t *Tracker) Heartbeat(ctx context.Context, b boundary.Boundary, stage boundary.Stage) error {
	ok, err := t.store.Heartbeat(ctx, b.ID, stage, t.owner, t.now())
	if err != nil {
		return eris.Wrapf(err, "tracker: heartbeat boundary %d", b.ID)
	}
	if !ok {
		return eris.Wrapf(ErrClaimConflict, "heartbeat boundary %d for %s", b.ID, stage)
	}
	return nil
}

// KeepAlive heartbeats the claim in the background until the returned stop
// function is called. Heartbeat errors are logged, not fatal: a missed beat
// only risks a later Reconcile releasing the claim.
func (t *Tracker) KeepAlive(ctx context.Context, b boundary.Boundary, stage boundary.Stage) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Heartbeat(ctx, b, stage); err != nil && ctx.Err() == nil {
					t.log.Warn("heartbeat failed", zap.Int64("boundary_id", b.ID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Statuses returns the full catalog view for extent and stage.
func (t *Tracker) Statuses(ctx context.Context, stage boundary.Stage, extent string) ([]boundary.StageStatus, error) {
	rows, err := t.store.StageStatuses(ctx, extent, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "tracker: statuses for %s/%s", extent, stage)
	}
	return rows, nil
}

// Failed lists the boundaries that ended failed for stage, with their
// recorded errors, so a rerun can target them.
func (t *Tracker) Failed(ctx context.Context, stage boundary.Stage, extent string) ([]boundary.StageStatus, error) {
	rows, err := t.Statuses(ctx, stage, extent)
	if err != nil {
		return nil, err
	}
	var failed []boundary.StageStatus
	for _, r := range rows {
		if r.Status == boundary.StatusFailed {
			failed = append(failed, r)
		}
	}
	return failed, nil
}
