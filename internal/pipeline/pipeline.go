// Package pipeline runs one stage over every pending boundary of an extent
// with a fixed pool of workers that pull claims from a shared queue.
package pipeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/network-metrics/internal/boundary"
	"github.com/sells-group/network-metrics/internal/config"
	"github.com/sells-group/network-metrics/internal/monitoring"
	"github.com/sells-group/network-metrics/internal/resilience"
	"github.com/sells-group/network-metrics/internal/tracker"
)

// Job is one stage run over one extent.
type Job struct {
	Stage  boundary.Stage
	Extent string
	// Requires adds prerequisites beyond Stage.Requires().
	Requires []boundary.Stage
	// Drop resets every boundary of the extent to pending before the run.
	Drop bool
	// Process does the stage's work for one claimed boundary. It must replace
	// the boundary's output atomically so a retry or rerun starts clean.
	Process func(ctx context.Context, b boundary.Boundary) error
}

// Summary reports how a run went.
type Summary struct {
	Stage     boundary.Stage
	Extent    string
	Total     int
	Processed int
	Skipped   int
	Blocked   int
	Failed    int
	FailedIDs []int64
	Elapsed   time.Duration
}

// Err is non-nil when any boundary ended failed.
func (s Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return eris.Errorf("pipeline: %d of %d boundaries failed for %s/%s: %v",
		s.Failed, s.Total, s.Extent, s.Stage, s.FailedIDs)
}

// Options configures a Runner.
type Options struct {
	// Workers is the pool size; <= 0 means one worker.
	Workers int
	Retry   resilience.Policy
	// ClaimsPerSec paces claims across all workers; 0 disables pacing.
	ClaimsPerSec float64
}

// OptionsFromConfig maps the pipeline settings onto runner options. A
// non-zero workers overrides the configured pool size.
func OptionsFromConfig(cfg config.PipelineConfig, workers int) Options {
	if workers <= 0 {
		workers = cfg.WorkerCount()
	}
	return Options{
		Workers:      workers,
		Retry:        resilience.PolicyFromConfig(cfg.Retry),
		ClaimsPerSec: cfg.ClaimsPerSec,
	}
}

// Runner drives stage jobs through the tracker.
type Runner struct {
	tracker *tracker.Tracker
	opts    Options
	log     *zap.Logger
}

// New creates a Runner.
func New(tr *tracker.Tracker, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Runner{
		tracker: tr,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "pipeline")),
	}
}

// Tracker returns the tracker the runner claims through.
func (r *Runner) Tracker() *tracker.Tracker { return r.tracker }

// Run processes every pending boundary of job.Extent for job.Stage. Per
// boundary failures are recorded in the catalog and the summary; the
// returned error covers only failures of the run itself (catalog
// unreachable, ctx cancelled). Callers decide the exit code with Summary.Err.
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	start := time.Now()
	sum := Summary{Stage: job.Stage, Extent: job.Extent}
	if job.Process == nil {
		return sum, eris.New("pipeline: job has no Process func")
	}
	log := r.log.With(zap.String("stage", string(job.Stage)), zap.String("extent", job.Extent))

	if job.Drop {
		if _, err := r.tracker.Reset(ctx, job.Stage, job.Extent); err != nil {
			return sum, eris.Wrap(err, "pipeline: drop")
		}
	}
	if _, err := r.tracker.Reconcile(ctx, job.Stage, job.Extent); err != nil {
		return sum, eris.Wrap(err, "pipeline: reconcile")
	}
	pending, err := r.tracker.Pending(ctx, job.Stage, job.Extent)
	if err != nil {
		return sum, eris.Wrap(err, "pipeline: pending")
	}
	sum.Total = len(pending)

	workers := min(r.opts.Workers, max(len(pending), 1))
	log.Info("stage run starting", zap.Int("pending", len(pending)), zap.Int("workers", workers))

	var limiter *rate.Limiter
	if r.opts.ClaimsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.opts.ClaimsPerSec), 1)
	}

	var mu sync.Mutex
	record := func(b boundary.Boundary, outcome string, elapsed time.Duration) {
		monitoring.RecordBoundary(string(job.Stage), outcome, elapsed)
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case monitoring.OutcomeDone:
			sum.Processed++
		case monitoring.OutcomeFailed:
			sum.Failed++
			sum.FailedIDs = append(sum.FailedIDs, b.ID)
		case monitoring.OutcomeBlocked:
			sum.Blocked++
		case monitoring.OutcomeConflict, monitoring.OutcomeSkipped:
			sum.Skipped++
		}
	}

	work := make(chan boundary.Boundary)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		w := &worker{
			runner:  r,
			job:     job,
			tracker: r.tracker.ForWorker(i),
			limiter: limiter,
			record:  record,
			log:     log.With(zap.Int("worker", i)),
		}
		g.Go(func() error {
			for b := range work {
				w.handle(gctx, b)
			}
			return nil
		})
	}

feed:
	for _, b := range pending {
		select {
		case work <- b:
		case <-gctx.Done():
			break feed
		}
	}
	close(work)

	if err := g.Wait(); err != nil {
		return sum, eris.Wrap(err, "pipeline: workers")
	}
	slices.Sort(sum.FailedIDs)
	sum.Elapsed = time.Since(start)

	log.Info("stage run complete",
		zap.Int("total", sum.Total),
		zap.Int("processed", sum.Processed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("blocked", sum.Blocked),
		zap.Int("failed", sum.Failed),
		zap.Duration("elapsed", sum.Elapsed),
	)
	if err := ctx.Err(); err != nil {
		return sum, eris.Wrap(err, "pipeline: run interrupted")
	}
	return sum, nil
}

type worker struct {
	runner  *Runner
	job     Job
	tracker *tracker.Tracker
	limiter *rate.Limiter
	record  func(boundary.Boundary, string, time.Duration)
	log     *zap.Logger
}

// handle takes one boundary through claim, process and complete|fail.
func (w *worker) handle(ctx context.Context, b boundary.Boundary) {
	if ctx.Err() != nil {
		return
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}
	log := w.log.With(zap.Int64("boundary_id", b.ID))
	policy := w.runner.opts.Retry
	policy.OnRetry = resilience.LogRetries(string(w.job.Stage), zap.Int64("boundary_id", b.ID))

	ok, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (bool, error) {
		return w.tracker.Claim(ctx, b, w.job.Stage, w.job.Requires...)
	})
	switch {
	case eris.Is(err, tracker.ErrPrerequisite):
		log.Info("boundary blocked on prerequisite", zap.Error(err))
		w.record(b, monitoring.OutcomeBlocked, 0)
		return
	case err != nil:
		log.Error("claim failed", zap.Error(err))
		w.record(b, monitoring.OutcomeFailed, 0)
		return
	case !ok:
		log.Debug("boundary claimed elsewhere, skipping")
		w.record(b, monitoring.OutcomeConflict, 0)
		return
	}

	start := time.Now()
	stop := w.tracker.KeepAlive(ctx, b, w.job.Stage)
	err = resilience.Do(ctx, policy, func(ctx context.Context) error {
		return safeProcess(ctx, w.job.Process, b)
	})
	stop()
	elapsed := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// Left in_progress on purpose: the next run's Reconcile requeues it.
		log.Warn("run cancelled with boundary in flight", zap.Error(err))
		return
	}

	if err != nil {
		log.Error("boundary failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		ferr := resilience.Do(ctx, policy, func(ctx context.Context) error {
			return w.tracker.Fail(ctx, b, w.job.Stage, err)
		})
		if ferr != nil && !eris.Is(ferr, tracker.ErrClaimConflict) {
			log.Error("recording failure", zap.Error(ferr))
		}
		w.record(b, monitoring.OutcomeFailed, elapsed)
		return
	}

	cerr := resilience.Do(ctx, policy, func(ctx context.Context) error {
		return w.tracker.Complete(ctx, b, w.job.Stage)
	})
	switch {
	case eris.Is(cerr, tracker.ErrClaimConflict):
		log.Warn("claim lost before completion; leaving boundary to its new owner")
		w.record(b, monitoring.OutcomeConflict, elapsed)
	case cerr != nil:
		log.Error("recording completion", zap.Error(cerr))
		w.record(b, monitoring.OutcomeFailed, elapsed)
	default:
		log.Debug("boundary done", zap.Duration("elapsed", elapsed))
		w.record(b, monitoring.OutcomeDone, elapsed)
	}
}

// safeProcess turns a panic in fn into an error for the boundary.
func safeProcess(ctx context.Context, fn func(context.Context, boundary.Boundary) error, b boundary.Boundary) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("pipeline: panic processing boundary %d: %v", b.ID, p)
		}
	}()
	return fn(ctx, b)
}
