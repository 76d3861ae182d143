package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/logger"
	"tickerflow/models"
)

// scriptedFetcher serves a fixed chain of pages keyed by cursor. Errors queued
// for a cursor are returned, one per call, before its page is served.
type scriptedFetcher struct {
	mu       sync.Mutex
	pages    map[models.Cursor]models.PageResult
	failures map[models.Cursor][]error
	calls    []models.Cursor
	onFetch  func(models.Cursor)
}

func newScriptedFetcher(sizes ...int) *scriptedFetcher {
	f := &scriptedFetcher{
		pages:    make(map[models.Cursor]models.PageResult),
		failures: make(map[models.Cursor][]error),
	}
	cursor := models.Cursor("")
	for i, size := range sizes {
		next := models.Cursor("")
		if i < len(sizes)-1 {
			next = models.Cursor(fmt.Sprintf("c%d", i+1))
		}
		f.pages[cursor] = models.PageResult{Records: pageRecords(i, size), NextCursor: next}
		cursor = next
	}
	return f
}

func pageRecords(page, n int) []models.TickerRecord {
	out := make([]models.TickerRecord, n)
	for i := range out {
		out[i] = models.TickerRecord{Ticker: fmt.Sprintf("P%dT%04d", page, i), Market: "stocks", Active: true}
	}
	return out
}

func (f *scriptedFetcher) fail(cursor models.Cursor, errs ...error) {
	f.failures[cursor] = append(f.failures[cursor], errs...)
}

func (f *scriptedFetcher) Name() string { return "scripted" }

func (f *scriptedFetcher) Fetch(ctx context.Context, cursor models.Cursor) (models.PageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cursor)
	if f.onFetch != nil {
		f.onFetch(cursor)
	}
	if queued := f.failures[cursor]; len(queued) > 0 {
		f.failures[cursor] = queued[1:]
		return models.PageResult{}, queued[0]
	}
	page, ok := f.pages[cursor]
	if !ok {
		return models.PageResult{}, &models.FetchError{Class: models.ErrorClassClient, Message: "unknown cursor " + string(cursor)}
	}
	return page, nil
}

type fakeGovernor struct {
	throttles int
	penalties []time.Duration
	relaxed   int
	// relaxed count seen by the first Throttle call
	relaxedBeforeFetch int
}

func (g *fakeGovernor) Throttle(ctx context.Context) error {
	if g.throttles == 0 {
		g.relaxedBeforeFetch = g.relaxed
	}
	g.throttles++
	return ctx.Err()
}

func (g *fakeGovernor) Penalize(retryAfter time.Duration) time.Duration {
	g.penalties = append(g.penalties, retryAfter)
	if retryAfter > 0 {
		return retryAfter
	}
	return time.Minute
}

func (g *fakeGovernor) Relax() { g.relaxed++ }

// memStore keeps the checkpoint in memory and records every save.
type memStore struct {
	state   *models.CheckpointState
	saves   []models.CheckpointState
	loadErr error
	saveErr []error
	cleared int
}

func (s *memStore) Load(context.Context) (*models.CheckpointState, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, state models.CheckpointState) error {
	if len(s.saveErr) > 0 {
		err := s.saveErr[0]
		s.saveErr = s.saveErr[1:]
		if err != nil {
			return err
		}
	}
	s.saves = append(s.saves, state)
	s.state = &state
	return nil
}

func (s *memStore) Clear(context.Context) error {
	s.cleared++
	s.state = nil
	return nil
}

func (s *memStore) Describe() string { return "memory" }
func (s *memStore) Close() error     { return nil }

type memPartial struct {
	records  []models.TickerRecord
	found    bool
	writeErr []error
	writes   int
	removed  int
}

func (p *memPartial) Write(records []models.TickerRecord) error {
	if len(p.writeErr) > 0 {
		err := p.writeErr[0]
		p.writeErr = p.writeErr[1:]
		if err != nil {
			return err
		}
	}
	p.writes++
	p.records = append([]models.TickerRecord(nil), records...)
	p.found = true
	return nil
}

func (p *memPartial) Load() ([]models.TickerRecord, bool, error) {
	return append([]models.TickerRecord(nil), p.records...), p.found, nil
}

func (p *memPartial) Remove() error {
	p.removed++
	p.records = nil
	p.found = false
	return nil
}

func (p *memPartial) Describe() string { return "memory" }

type fakeSink struct {
	err     error
	writes  int
	written []models.TickerRecord
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Write(_ context.Context, records []models.TickerRecord) error {
	s.writes++
	if s.err != nil {
		return s.err
	}
	s.written = records
	return nil
}

type harness struct {
	fetcher  *scriptedFetcher
	governor *fakeGovernor
	store    *memStore
	partial  *memPartial
	sink     *fakeSink
	sleeps   []time.Duration
}

func newHarness(sizes ...int) *harness {
	return &harness{
		fetcher:  newScriptedFetcher(sizes...),
		governor: &fakeGovernor{},
		store:    &memStore{},
		partial:  &memPartial{},
		sink:     &fakeSink{},
	}
}

func (h *harness) driver(t *testing.T, cfg Config) *Driver {
	t.Helper()
	d, err := NewDriver(cfg, Deps{
		Fetcher:  h.fetcher,
		Governor: h.governor,
		Store:    h.store,
		Partial:  h.partial,
		Sink:     h.sink,
	}, WithSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}))
	require.NoError(t, err)
	return d
}

var testConfig = Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, FlushEvery: 1}

func tickerSet(records []models.TickerRecord) map[string]int {
	out := make(map[string]int, len(records))
	for _, r := range records {
		out[r.Ticker]++
	}
	return out
}

func TestRunFreshCompletesAndClearsCheckpoint(t *testing.T) {
	h := newHarness(500, 500, 312)
	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, 1312, res.Records)
	assert.Equal(t, 3, res.Pages)
	assert.False(t, res.Resumed)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []models.Cursor{"", "c1", "c2"}, h.fetcher.calls)
	assert.Equal(t, 3, h.governor.throttles)
	assert.Len(t, h.sink.written, 1312)
	assert.Nil(t, h.store.state, "checkpoint should be cleared")
	assert.Equal(t, 1, h.store.cleared)
	assert.Equal(t, 1, h.partial.removed)
	assert.False(t, h.partial.found)
}

func TestRunResumesFromSavedCursor(t *testing.T) {
	h := newHarness(500, 500, 312)
	h.store.state = &models.CheckpointState{Cursor: "c2", RecordCount: 1000, Pages: 2}
	h.partial.Write(append(pageRecords(0, 500), pageRecords(1, 500)...))

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Resumed)
	assert.Equal(t, []models.Cursor{"c2"}, h.fetcher.calls)
	assert.Equal(t, 1312, res.Records)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 1, h.governor.throttles, "resumed run must still throttle")
}

func TestInterruptedRunResumesWithoutDuplicates(t *testing.T) {
	reference := newHarness(500, 500, 312)
	_, err := reference.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)

	h := newHarness(500, 500, 312)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.onFetch = func(c models.Cursor) {
		if c == "c1" {
			cancel()
		}
	}
	res, err := h.driver(t, testConfig).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, res.State)
	require.NotNil(t, h.store.state)
	assert.Equal(t, models.Cursor("c2"), h.store.state.Cursor)
	assert.Equal(t, 1000, h.store.state.RecordCount)

	h.fetcher.onFetch = nil
	h.fetcher.calls = nil
	res, err = h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Cursor{"c2"}, h.fetcher.calls)
	assert.Equal(t, 1312, res.Records)
	assert.Equal(t, tickerSet(reference.sink.written), tickerSet(h.sink.written))
}

func TestAuthenticationErrorIsNeverRetried(t *testing.T) {
	h := newHarness(500, 500, 312)
	h.fetcher.fail("c1", &models.FetchError{Class: models.ErrorClassAuth, StatusCode: 401, Message: "unknown api key"})

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
	var fe *models.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 401, fe.StatusCode)

	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, []models.Cursor{"", "c1"}, h.fetcher.calls)
	assert.Empty(t, h.sleeps)
	assert.Zero(t, h.sink.writes)
	require.NotNil(t, h.store.state, "aborted run keeps its checkpoint")
	assert.Equal(t, 500, h.store.state.RecordCount)
	assert.True(t, h.partial.found)
}

func TestClientErrorAbortsAsPermanent(t *testing.T) {
	h := newHarness(500, 312)
	h.fetcher.fail("", &models.FetchError{Class: models.ErrorClassClient, StatusCode: 400})

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, StateAborted, res.State)
	assert.Len(t, h.fetcher.calls, 1)
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	h := newHarness(500, 312)
	netErr := &models.FetchError{Class: models.ErrorClassNetwork, Message: "timeout"}
	h.fetcher.fail("c1", netErr, &models.FetchError{Class: models.ErrorClassServer, StatusCode: 502})

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 812, res.Records)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, []models.Cursor{"", "c1", "c1", "c1"}, h.fetcher.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
	assert.Equal(t, 4, h.governor.throttles)
}

func TestRetryCeilingAborts(t *testing.T) {
	h := newHarness(500, 312)
	for i := 0; i < 5; i++ {
		h.fetcher.fail("c1", errors.New("connection reset"))
	}

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, []models.Cursor{"", "c1", "c1", "c1"}, h.fetcher.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)
	require.NotNil(t, h.store.state)
	assert.Equal(t, models.Cursor("c1"), h.store.state.Cursor)
}

func TestRateLimitPenalizesWithoutCountingRetries(t *testing.T) {
	h := newHarness(500, 312)
	for i := 0; i < 4; i++ {
		h.fetcher.fail("c1", &models.FetchError{Class: models.ErrorClassRateLimit, StatusCode: 429, RetryAfter: 30 * time.Second})
	}

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.RateLimited)
	assert.Zero(t, res.Retries)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}, h.governor.penalties)
	assert.Empty(t, h.sleeps, "rate limit waits belong to the governor")
	assert.Equal(t, 6, h.governor.throttles)
}

func TestCheckpointsAreMonotonic(t *testing.T) {
	h := newHarness(100, 100, 0, 100, 50)
	_, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.store.saves, 5)
	seen := make(map[models.Cursor]bool)
	last := 0
	for i, s := range h.store.saves {
		assert.GreaterOrEqual(t, s.RecordCount, last, "save %d", i)
		last = s.RecordCount
		if !s.Cursor.IsEnd() {
			assert.False(t, seen[s.Cursor], "cursor %s repeated", s.Cursor)
			seen[s.Cursor] = true
		}
		assert.Equal(t, i+1, s.Pages)
	}
	final := h.store.saves[len(h.store.saves)-1]
	assert.True(t, final.Cursor.IsEnd())
	assert.Equal(t, 350, final.RecordCount)
}

func TestSinkFailurePreservesCheckpoint(t *testing.T) {
	h := newHarness(500, 500, 312)
	h.sink.err = errors.New("warehouse unavailable")

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, ErrSink)
	assert.Equal(t, StateAborted, res.State)
	require.NotNil(t, h.store.state)
	assert.True(t, h.store.state.Finished())
	assert.Equal(t, 1312, h.store.state.RecordCount)
	assert.True(t, h.partial.found)
	assert.Zero(t, h.store.cleared)

	h.sink.err = nil
	h.fetcher.calls = nil
	res, err = h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.fetcher.calls, "finished checkpoint must not refetch")
	assert.True(t, res.Resumed)
	assert.Len(t, h.sink.written, 1312)
	assert.Nil(t, h.store.state)
}

func TestResumeTruncatesPartialAheadOfCheckpoint(t *testing.T) {
	h := newHarness(500, 500, 312)
	h.store.state = &models.CheckpointState{Cursor: "c2", RecordCount: 1000, Pages: 2}
	h.partial.Write(append(append(pageRecords(0, 500), pageRecords(1, 500)...), pageRecords(2, 312)...))

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 1312, res.Records)
	for ticker, n := range tickerSet(h.sink.written) {
		assert.Equal(t, 1, n, "ticker %s duplicated", ticker)
	}
}

func TestResumeStartsFreshWhenPartialUnusable(t *testing.T) {
	cases := map[string]func(p *memPartial){
		"missing": func(p *memPartial) {},
		"behind":  func(p *memPartial) { p.Write(pageRecords(0, 500)) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(500, 500, 312)
			h.store.state = &models.CheckpointState{Cursor: "c2", RecordCount: 1000, Pages: 2}
			setup(h.partial)

			res, err := h.driver(t, testConfig).Run(context.Background())
			require.NoError(t, err)
			assert.False(t, res.Resumed)
			assert.Equal(t, []models.Cursor{"", "c1", "c2"}, h.fetcher.calls)
			assert.Equal(t, 1312, res.Records)
		})
	}
}

func TestResumeWithEmptyAccumulatorNeedsNoPartial(t *testing.T) {
	h := newHarness(0, 312)
	h.store.state = &models.CheckpointState{Cursor: "c1", RecordCount: 0, Pages: 1}

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []models.Cursor{"c1"}, h.fetcher.calls)
	assert.Equal(t, 312, res.Records)
}

func TestPersistenceFailuresDoNotStopTheRun(t *testing.T) {
	h := newHarness(500, 500, 312)
	h.store.saveErr = []error{errors.New("disk full")}
	h.partial.writeErr = []error{errors.New("disk full")}

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1312, res.Records)
	assert.Len(t, h.store.saves, 2)
	assert.Equal(t, 2, h.partial.writes)
}

func TestPartialFlushCadence(t *testing.T) {
	h := newHarness(10, 10, 10, 10, 10)
	h.sink.err = errors.New("keep artifacts")
	cfg := testConfig
	cfg.FlushEvery = 2

	_, err := h.driver(t, cfg).Run(context.Background())
	require.ErrorIs(t, err, ErrSink)
	// pages 2 and 4 by cadence, page 5 because it is the last
	assert.Equal(t, 3, h.partial.writes)
	assert.Len(t, h.partial.records, 50)
}

func TestSkippedFlushKeepsCheckpointAtLastFlush(t *testing.T) {
	h := newHarness(10, 10, 10, 10, 10)
	h.fetcher.fail("c3", context.Canceled)
	cfg := testConfig
	cfg.FlushEvery = 2

	_, err := h.driver(t, cfg).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, h.store.state)
	assert.Equal(t, models.Cursor("c2"), h.store.state.Cursor)
	assert.Equal(t, 20, h.store.state.RecordCount)
	assert.Equal(t, 2, h.store.state.Pages)
	assert.Len(t, h.partial.records, 20)

	h.fetcher.calls = nil
	res, err := h.driver(t, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []models.Cursor{"c2", "c3", "c4"}, h.fetcher.calls)
	assert.Equal(t, 50, res.Records)
	assert.Equal(t, 5, res.Pages)
	for ticker, n := range tickerSet(h.sink.written) {
		assert.Equal(t, 1, n, "ticker %s duplicated", ticker)
	}
}

func TestFailedFlushKeepsCheckpointAtLastFlush(t *testing.T) {
	h := newHarness(10, 10, 10)
	h.partial.writeErr = []error{nil, errors.New("disk full")}
	h.fetcher.fail("c2", context.Canceled)

	_, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, h.store.state)
	assert.Equal(t, models.Cursor("c1"), h.store.state.Cursor)
	assert.Equal(t, 10, h.store.state.RecordCount)
	assert.Len(t, h.partial.records, 10)

	h.fetcher.calls = nil
	res, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, []models.Cursor{"c1", "c2"}, h.fetcher.calls)
	assert.Equal(t, 30, res.Records)
	for ticker, n := range tickerSet(h.sink.written) {
		assert.Equal(t, 1, n, "ticker %s duplicated", ticker)
	}
}

func TestRunResetsGovernorEscalation(t *testing.T) {
	h := newHarness(10)
	_, err := h.driver(t, testConfig).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.governor.relaxedBeforeFetch, "escalation from an earlier run must not carry over")
}

func TestCheckpointLoadErrorAborts(t *testing.T) {
	h := newHarness(500)
	h.store.loadErr = errors.New("corrupt")

	res, err := h.driver(t, testConfig).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, h.fetcher.calls)
}

func TestRepeatedCursorIsRejected(t *testing.T) {
	h := newHarness(10, 10)
	h.fetcher.pages["c1"] = models.PageResult{Records: pageRecords(1, 10), NextCursor: "c1"}

	_, err := h.driver(t, testConfig).Run(context.Background())
	require.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, []models.Cursor{"", "c1"}, h.fetcher.calls)
}

func TestBackoffIsCapped(t *testing.T) {
	d := newHarness(1).driver(t, Config{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2})
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(9))
}

func TestNewDriverRequiresCollaborators(t *testing.T) {
	_, err := NewDriver(testConfig, Deps{})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "THROTTLING", StateThrottling.String())
	assert.Equal(t, "ABORTED", StateAborted.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestCheckpointsCarryRunIdentityAndClock(t *testing.T) {
	h := newHarness(10, 10)
	base := time.Date(2024, 5, 1, 13, 30, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
	d, err := NewDriver(testConfig, Deps{
		Fetcher:  h.fetcher,
		Governor: h.governor,
		Store:    h.store,
		Partial:  h.partial,
		Sink:     h.sink,
	}, WithClock(clock), WithLogger(logger.Logger()))
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.store.saves, 2)
	for _, saved := range h.store.saves {
		assert.Equal(t, res.RunID, saved.RunID)
		assert.True(t, saved.UpdatedAt.After(base))
	}
	assert.True(t, h.store.saves[1].UpdatedAt.After(h.store.saves[0].UpdatedAt))
	assert.Greater(t, res.Duration, time.Duration(0))
}
