package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanbrug/cs-kenter/internal/aggregate"
	"github.com/stanbrug/cs-kenter/internal/config"
	"github.com/stanbrug/cs-kenter/internal/models"
)

type fakeFetcher struct {
	mu           sync.Mutex
	instant      models.Reading
	instantErr   error
	instantCalls []time.Time

	dayTotal  models.Reading
	dayErr    error
	dayCalls  []time.Time
	report    models.DayReport
	reportErr error
}

func (f *fakeFetcher) FetchInstant(_ context.Context, target time.Time) (models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instantCalls = append(f.instantCalls, target)
	return f.instant, f.instantErr
}

func (f *fakeFetcher) FetchDayTotal(_ context.Context, date time.Time) (models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dayCalls = append(f.dayCalls, date)
	return f.dayTotal, f.dayErr
}

func (f *fakeFetcher) FetchDayBreakdown(_ context.Context, date time.Time) (models.DayReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.reportErr
}

func (f *fakeFetcher) dayCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dayCalls)
}

type fakeSink struct {
	instants   []models.Reading
	dailies    []models.Reading
	breakdowns []models.DayReport
	fail       bool
}

func (s *fakeSink) PublishInstant(r models.Reading) bool {
	s.instants = append(s.instants, r)
	return !s.fail
}

func (s *fakeSink) PublishDaily(r models.Reading, _ time.Time) bool {
	s.dailies = append(s.dailies, r)
	return !s.fail
}

func (s *fakeSink) PublishBreakdown(rep models.DayReport) bool {
	s.breakdowns = append(s.breakdowns, rep)
	return !s.fail
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPoller(t *testing.T, mode string, fetcher Fetcher, sink Sink) *Poller {
	t.Helper()
	p, err := New(config.ScheduleConfig{Mode: mode, CheckIntervalSec: 3600},
		fetcher, aggregate.SingleInstant{}, sink, testLogger())
	require.NoError(t, err)
	p.loc = time.UTC
	return p
}

func TestTargetInstantAlignsToQuarterHour(t *testing.T) {
	fetcher := &fakeFetcher{}
	p := newTestPoller(t, config.ModeInterval, fetcher, &fakeSink{})
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 7, 33, 0, time.UTC)
	}

	want := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	assert.True(t, p.targetInstant().Equal(want), "got %v", p.targetInstant())
}

func TestYesterday(t *testing.T) {
	p := newTestPoller(t, config.ModeDaily, &fakeFetcher{}, &fakeSink{})
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 0, 10, 0, 0, time.UTC)
	}

	want := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	assert.True(t, p.yesterday().Equal(want), "got %v", p.yesterday())
}

func TestIntervalCycleSkipsProcessedTarget(t *testing.T) {
	fetcher := &fakeFetcher{instant: models.Reading{Consumption: 0.5}}
	sink := &fakeSink{}
	p := newTestPoller(t, config.ModeInterval, fetcher, sink)
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	}

	p.runCycle()
	p.runCycle()

	assert.Len(t, fetcher.instantCalls, 1, "the same interval must not be fetched twice")
	assert.Len(t, sink.instants, 1)

	// A later wake with a new aligned target fetches again.
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	}
	p.runCycle()
	assert.Len(t, fetcher.instantCalls, 2)
}

func TestIntervalCycleRetriesFailedFetch(t *testing.T) {
	fetcher := &fakeFetcher{instantErr: errors.New("api down")}
	sink := &fakeSink{}
	p := newTestPoller(t, config.ModeInterval, fetcher, sink)
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	}

	p.runCycle()
	assert.Empty(t, sink.instants)

	// The marker is only recorded after a successful fetch, so the
	// next wake retries the same target.
	fetcher.instantErr = nil
	p.runCycle()

	require.Len(t, fetcher.instantCalls, 2)
	assert.True(t, fetcher.instantCalls[0].Equal(fetcher.instantCalls[1]))
	assert.Len(t, sink.instants, 1)
}

func TestIntervalCycleRecordsMarkerDespitePublishFailure(t *testing.T) {
	fetcher := &fakeFetcher{instant: models.Reading{Consumption: 0.5}}
	sink := &fakeSink{fail: true}
	p := newTestPoller(t, config.ModeInterval, fetcher, sink)
	p.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	}

	p.runCycle()
	p.runCycle()

	assert.Len(t, fetcher.instantCalls, 1,
		"a publish failure must not cause a duplicate fetch of the interval")
}

func TestDailyCyclePublishesYesterdayTotals(t *testing.T) {
	fetcher := &fakeFetcher{dayTotal: models.Reading{Consumption: 12.5, FeedIn: 3.25}}
	sink := &fakeSink{}
	p := newTestPoller(t, config.ModeDaily, fetcher, sink)
	p.now = func() time.Time {
		return time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)
	}

	p.runCycle()

	require.Len(t, fetcher.dayCalls, 1)
	assert.True(t, fetcher.dayCalls[0].Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, sink.dailies, 1)
	assert.Equal(t, 12.5, sink.dailies[0].Consumption)
}

func TestBreakdownCyclePublishesReport(t *testing.T) {
	fetcher := &fakeFetcher{report: models.DayReport{
		Slots: map[string]models.Reading{"08:00": {Consumption: 0.25}},
	}}
	sink := &fakeSink{}
	p := newTestPoller(t, config.ModeBreakdown, fetcher, sink)
	p.now = func() time.Time {
		return time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)
	}

	p.runCycle()

	require.Len(t, sink.breakdowns, 1)
	assert.Contains(t, sink.breakdowns[0].Slots, "08:00")
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	fetcher := &fakeFetcher{dayTotal: models.Reading{Consumption: 1.0}}
	sink := &fakeSink{}
	p := newTestPoller(t, config.ModeDaily, fetcher, sink)

	require.NoError(t, p.Start())
	defer p.Stop()

	// The default check interval is an hour; the first fetch must not
	// wait for the first cron tick.
	assert.Eventually(t, func() bool {
		return fetcher.dayCallCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "no fetch happened at startup")
}

func TestCycleRecoversFromPanic(t *testing.T) {
	p := newTestPoller(t, config.ModeDaily, &fakeFetcher{}, &fakeSink{})
	p.cooldown = time.Millisecond
	p.fetcher = nil // force a nil dereference inside the cycle

	assert.NotPanics(t, p.runCycle)
}
