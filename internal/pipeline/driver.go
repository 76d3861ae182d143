// Package pipeline drives a resumable ticker collection run: it fetches pages
// in order behind a rate governor, checkpoints after every page and hands the
// finished dataset to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	appconfig "tickerflow/config"
	"tickerflow/internal/accumulator"
	"tickerflow/internal/checkpoint"
	"tickerflow/internal/metrics"
	"tickerflow/internal/metrics/rate"
	"tickerflow/logger"
	"tickerflow/models"
)

const component = "pipeline"

// State is a step of the run state machine.
type State int

const (
	StateInit State = iota
	StateResuming
	StateStarting
	StateFetching
	StateThrottling
	StateComplete
	StateAborted
)

var stateNames = [...]string{
	StateInit:       "INIT",
	StateResuming:   "RESUMING",
	StateStarting:   "STARTING",
	StateFetching:   "FETCHING",
	StateThrottling: "THROTTLING",
	StateComplete:   "COMPLETE",
	StateAborted:    "ABORTED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Fetcher returns one page per call. An empty cursor asks for the first page.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, cursor models.Cursor) (models.PageResult, error)
}

// Governor gates every fetch.
type Governor interface {
	Throttle(ctx context.Context) error
	Penalize(retryAfter time.Duration) time.Duration
	Relax()
}

// Sink receives the complete dataset of a run.
type Sink interface {
	Name() string
	Write(ctx context.Context, records []models.TickerRecord) error
}

// Config holds the retry and flush policy of a driver.
type Config struct {
	// MaxAttempts bounds consecutive transient failures on one cursor.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// FlushEvery is the number of pages between partial flushes. The final
	// page always flushes.
	FlushEvery int
}

// ConfigFrom extracts the driver policy from the application configuration.
func ConfigFrom(cfg *appconfig.Config) Config {
	return Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  float64(cfg.Retry.BackoffMultiplier),
		FlushEvery:  cfg.Partial.FlushEvery,
	}
}

// Deps are the collaborators of a driver. Partial may be nil, in which case
// a checkpoint with records cannot be resumed.
type Deps struct {
	Fetcher  Fetcher
	Governor Governor
	Store    checkpoint.Store
	Partial  accumulator.Partial
	Sink     Sink
}

// Result summarises one invocation of Run.
type Result struct {
	RunID       string
	State       State
	Resumed     bool
	Records     int
	Pages       int
	Retries     int
	RateLimited int
	Duration    time.Duration
}

type Option func(*Driver)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

func WithLogger(log *logger.Log) Option {
	return func(d *Driver) { d.log = log }
}

// Driver runs the fetch, accumulate and checkpoint loop. It keeps no state
// between calls to Run beyond what the checkpoint store persists.
type Driver struct {
	cfg      Config
	fetcher  Fetcher
	governor Governor
	store    checkpoint.Store
	partial  accumulator.Partial
	sink     Sink

	log   *logger.Log
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDriver(cfg Config, deps Deps, opts ...Option) (*Driver, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Governor == nil:
		return nil, errors.New("pipeline: governor is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: checkpoint store is required")
	case deps.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.FlushEvery < 1 {
		cfg.FlushEvery = 1
	}

	d := &Driver{
		cfg:      cfg,
		fetcher:  deps.Fetcher,
		governor: deps.Governor,
		store:    deps.Store,
		partial:  deps.Partial,
		sink:     deps.Sink,
		log:      logger.GetLogger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// run is the state of a single invocation.
type run struct {
	id     string
	state  State
	acc    *accumulator.Accumulator
	cursor models.Cursor
	pages  int
	seen   map[models.Cursor]struct{}

	sinceFlush   int
	pendingFlush bool
	// durable is the last position whose records reached the partial
	// artifact; only this position is ever checkpointed
	durable models.CheckpointState

	result *Result
	entry  *logger.Entry
}

// Run executes one collection run to COMPLETE or ABORTED. A failed run leaves
// its checkpoint and partial artifact for the next invocation to resume from.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	started := d.now()
	id := uuid.NewString()
	r := &run{
		id:     id,
		acc:    accumulator.New(d.partial),
		seen:   make(map[models.Cursor]struct{}),
		result: &Result{RunID: id},
		entry:  d.log.WithRun(component, id),
	}

	// the governor may be shared by scheduled runs: its spacing and any
	// server-imposed wait stay in force, its penalty escalation does not
	d.governor.Relax()

	err := d.execute(ctx, r)
	if err != nil {
		r.transition(StateAborted)
	}

	res := r.result
	res.State = r.state
	res.Pages = r.pages
	if res.Records == 0 {
		res.Records = r.acc.Size()
	}
	res.Duration = d.now().Sub(started)

	metrics.ObserveRun(res.State.String(), res.Duration)
	metrics.EmitMetric(d.log, component, "run_records", res.Records, "gauge", logger.Fields{"state": res.State.String()})
	logger.LogPerformanceEntry(r.entry, component, "run", res.Duration, logger.Fields{
		"state":        res.State.String(),
		"records":      res.Records,
		"pages":        res.Pages,
		"retries":      res.Retries,
		"rate_limited": res.RateLimited,
		"resumed":      res.Resumed,
	})
	if err != nil {
		r.entry.WithError(err).Error("run aborted")
		return res, err
	}
	r.entry.WithFields(logger.Fields{"records": res.Records}).Info("run complete")
	return res, nil
}

func (d *Driver) execute(ctx context.Context, r *run) error {
	r.transition(StateInit)
	saved, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", d.store.Describe(), err)
	}

	finished := false
	if saved != nil && saved.Resumable() && d.reconcile(r, *saved) {
		r.transition(StateResuming)
		r.result.Resumed = true
		finished = saved.Finished()
		r.entry.WithFields(logger.Fields{
			"previous_run_id": saved.RunID,
			"record_count":    saved.RecordCount,
			"pages":           saved.Pages,
			"finished":        finished,
		}).Info("resuming from checkpoint")
	} else {
		r.transition(StateStarting)
		r.entry.Info("starting fresh run")
	}

	if !finished {
		if err := d.fetchAll(ctx, r); err != nil {
			return err
		}
	}
	return d.complete(ctx, r)
}

// reconcile seeds the accumulator from the partial artifact so that it holds
// exactly the records the checkpoint accounts for. It reports false when the
// checkpoint cannot be honoured and the run must start over.
func (d *Driver) reconcile(r *run, saved models.CheckpointState) bool {
	accept := func() bool {
		r.cursor = saved.Cursor
		r.pages = saved.Pages
		r.durable = models.CheckpointState{Cursor: saved.Cursor, RecordCount: saved.RecordCount, Pages: saved.Pages}
		if !saved.Cursor.IsEnd() {
			r.seen[saved.Cursor] = struct{}{}
		}
		return true
	}
	if saved.RecordCount == 0 {
		return accept()
	}

	entry := r.entry.WithFields(logger.Fields{"record_count": saved.RecordCount})
	if d.partial == nil {
		entry.Warn("checkpoint has records but no partial artifact is configured, starting fresh")
		return false
	}
	records, found, err := d.partial.Load()
	if err != nil {
		entry.WithError(err).Warn("partial artifact unreadable, starting fresh")
		return false
	}
	if !found {
		entry.WithFields(logger.Fields{"partial": d.partial.Describe()}).Warn("partial artifact missing, starting fresh")
		return false
	}

	r.acc.Seed(records)
	switch size := r.acc.Size(); {
	case size < saved.RecordCount:
		entry.WithFields(logger.Fields{"partial_records": size}).Warn("partial artifact behind checkpoint, starting fresh")
		r.acc.Seed(nil)
		return false
	case size > saved.RecordCount:
		// the partial is flushed before the checkpoint is saved, so it may
		// hold a page the checkpoint never recorded
		if err := r.acc.Truncate(saved.RecordCount); err != nil {
			entry.WithError(err).Warn("cannot truncate partial artifact, starting fresh")
			r.acc.Seed(nil)
			return false
		}
		entry.WithFields(logger.Fields{"dropped": size - saved.RecordCount}).Info("partial artifact truncated to checkpoint")
	}
	return accept()
}

func (d *Driver) fetchAll(ctx context.Context, r *run) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.transition(StateThrottling)
		if err := d.governor.Throttle(ctx); err != nil {
			return err
		}

		r.transition(StateFetching)
		started := d.now()
		page, err := d.fetcher.Fetch(ctx, r.cursor)
		if err != nil {
			action, class, fe := classify(err)
			switch action {
			case actionPenalize:
				var hint time.Duration
				if fe != nil {
					hint = fe.RetryAfter
				}
				wait := d.governor.Penalize(hint)
				r.result.RateLimited++
				rate.ReportRateLimitExceeded(d.log, d.fetcher.Name(), "tickers", wait)
				continue

			case actionAbort:
				if class == "" {
					return err
				}
				if class == models.ErrorClassAuth {
					return fmt.Errorf("%w: %w", ErrAuthentication, err)
				}
				return fmt.Errorf("%w: %w", ErrPermanent, err)
			}

			attempts++
			if attempts >= d.cfg.MaxAttempts {
				return fmt.Errorf("%w: %d attempts at page %d: %w", ErrRetryExhausted, attempts, r.pages+1, err)
			}
			r.result.Retries++
			metrics.ObserveRetry(string(class))
			logger.IncrementFetchRetry()

			delay := d.backoff(attempts)
			r.entry.WithError(err).WithFields(logger.Fields{
				"error_class": string(class),
				"attempt":     attempts,
				"delay_ms":    delay.Milliseconds(),
			}).Warn("transient fetch failure, retrying same cursor")
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		attempts = 0
		if err := d.accept(ctx, r, page, d.now().Sub(started)); err != nil {
			return err
		}
		d.governor.Relax()
		if page.NextCursor.IsEnd() {
			return nil
		}
	}
}

// accept appends a fetched page, flushes the partial artifact when due and
// saves the checkpoint, in that order. The checkpoint never runs ahead of the
// partial artifact: a skipped or failed flush re-saves the last flushed
// position.
func (d *Driver) accept(ctx context.Context, r *run, page models.PageResult, took time.Duration) error {
	next := page.NextCursor
	if !next.IsEnd() {
		if _, dup := r.seen[next]; dup {
			return fmt.Errorf("%w: pagination cursor repeated after page %d", ErrPermanent, r.pages+1)
		}
	}

	added := r.acc.Append(page.Records)
	r.pages++
	r.sinceFlush++

	metrics.ObservePage(len(page.Records), took)
	logger.IncrementPageFetched(len(page.Records))
	logger.LogDataFlowEntry(r.entry.WithFields(logger.Fields{"page": r.pages}), d.fetcher.Name(), "accumulator", added, "tickers")
	if dropped := len(page.Records) - added; dropped > 0 {
		r.entry.WithFields(logger.Fields{"page": r.pages, "duplicates": dropped}).Debug("duplicate symbols skipped")
	}

	due := r.sinceFlush >= d.cfg.FlushEvery || r.pendingFlush || next.IsEnd()
	if (due || d.partial == nil) && d.flush(r) {
		r.durable = models.CheckpointState{Cursor: next, RecordCount: r.acc.Size(), Pages: r.pages}
	}

	// the last flushed position is recorded even if the run is being
	// cancelled
	saveCtx := context.WithoutCancel(ctx)
	state := r.durable
	state.RunID = r.id
	state.UpdatedAt = d.now().UTC()
	if err := d.store.Save(saveCtx, state); err != nil {
		d.persistenceFailure(r, "checkpoint", err)
	}

	r.cursor = next
	if !next.IsEnd() {
		r.seen[next] = struct{}{}
	}
	return nil
}

// flush writes the accumulator to the partial artifact and reports whether
// the records are now durable.
func (d *Driver) flush(r *run) bool {
	if d.partial == nil {
		return true
	}
	if err := r.acc.FlushPartial(); err != nil {
		r.pendingFlush = true
		d.persistenceFailure(r, "partial", err)
		return false
	}
	r.pendingFlush = false
	r.sinceFlush = 0
	return true
}

func (d *Driver) persistenceFailure(r *run, artifact string, err error) {
	metrics.ObservePersistenceFailure(artifact)
	logger.IncrementCheckpointFailure()
	r.entry.WithError(err).WithFields(logger.Fields{"artifact": artifact}).Warn("persistence failed, continuing")
}

func (d *Driver) complete(ctx context.Context, r *run) error {
	r.transition(StateComplete)
	records := r.acc.Snapshot()

	if err := d.sink.Write(ctx, records); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSink, d.sink.Name(), err)
	}
	r.result.Records = len(records)
	logger.LogDataFlowEntry(r.entry, "accumulator", d.sink.Name(), len(records), "tickers")

	cleanupCtx := context.WithoutCancel(ctx)
	if err := d.store.Clear(cleanupCtx); err != nil {
		d.persistenceFailure(r, "checkpoint", err)
	}
	if d.partial != nil {
		if err := d.partial.Remove(); err != nil {
			d.persistenceFailure(r, "partial", err)
		}
	}
	return nil
}

// backoff returns the delay before retry number attempt (1-based).
func (d *Driver) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BaseDelay) * math.Pow(d.cfg.Multiplier, float64(attempt-1))
	if d.cfg.MaxDelay > 0 && delay > float64(d.cfg.MaxDelay) {
		return d.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (r *run) transition(next State) {
	if r.state == next && next != StateInit {
		return
	}
	r.entry.WithFields(logger.Fields{"from": r.state.String(), "to": next.String()}).Debug("state transition")
	r.state = next
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
