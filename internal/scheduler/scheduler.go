// Package scheduler drives the poll/fetch/publish loop. One cycle is
// in flight at any time; the cron chain skips ticks that land while a
// cycle is still running.
package scheduler

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stanbrug/cs-kenter/internal/aggregate"
	"github.com/stanbrug/cs-kenter/internal/config"
	"github.com/stanbrug/cs-kenter/internal/metrics"
	"github.com/stanbrug/cs-kenter/internal/models"
)

const (
	// alignedTick is the wake interval for the 15-minute-aligned mode:
	// short enough to never miss a grid boundary, with the processed
	// marker preventing duplicate fetches of the same interval.
	alignedTick = 60 * time.Second
	// errorCooldown follows an unexpected failure inside a cycle.
	errorCooldown = 60 * time.Second
	// cycleTimeout bounds one fetch/publish pipeline run.
	cycleTimeout = 2 * time.Minute

	processedCacheSize = 256
)

// Fetcher is the measurement source for one poll cycle.
type Fetcher interface {
	FetchInstant(ctx context.Context, target time.Time) (models.Reading, error)
	FetchDayTotal(ctx context.Context, date time.Time) (models.Reading, error)
	FetchDayBreakdown(ctx context.Context, date time.Time) (models.DayReport, error)
}

// Sink receives the cycle's output. Publish failures are reported as
// false but never abort the loop.
type Sink interface {
	PublishInstant(r models.Reading) bool
	PublishDaily(r models.Reading, date time.Time) bool
	PublishBreakdown(rep models.DayReport) bool
}

// Poller computes each cycle's target instant, fetches it, folds it
// through the accumulator, and hands the result to the sink.
type Poller struct {
	mode          string
	checkInterval time.Duration
	fetcher       Fetcher
	acc           aggregate.Accumulator
	sink          Sink
	logger        *logrus.Logger
	cron          *cron.Cron
	seen          *lru.Cache
	loc           *time.Location
	now           func() time.Time
	cooldown      time.Duration
}

func New(cfg config.ScheduleConfig, fetcher Fetcher, acc aggregate.Accumulator, sink Sink, logger *logrus.Logger) (*Poller, error) {
	seen, err := lru.New(processedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating processed-interval cache: %w", err)
	}
	return &Poller{
		mode:          cfg.Mode,
		checkInterval: time.Duration(cfg.CheckIntervalSec) * time.Second,
		fetcher:       fetcher,
		acc:           acc,
		sink:          sink,
		logger:        logger,
		seen:          seen,
		loc:           time.Local,
		now:           time.Now,
		cooldown:      errorCooldown,
	}, nil
}

// Start registers the poll job and starts the cron runner. The loop
// never terminates on its own; call Stop for shutdown.
func (p *Poller) Start() error {
	tick := p.checkInterval
	if p.mode == config.ModeInterval {
		tick = alignedTick
	}

	p.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(p.logger)),
	))
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %ds", int(tick.Seconds())), p.runCycle); err != nil {
		return err
	}
	p.cron.Start()

	// @every only fires after the first full tick, which would leave
	// the broker without fresh retained state for a whole interval
	// after every restart. Run the first iteration right away.
	go p.runCycle()

	p.logger.WithFields(logrus.Fields{
		"mode": p.mode,
		"tick": tick.String(),
	}).Info("poll scheduler started")
	return nil
}

// Stop halts the cron runner. A cycle already in flight finishes.
func (p *Poller) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// runCycle executes one poll iteration. Failures never escape: fetch
// and publish errors are logged and retried on the next wake, and an
// unexpected panic is followed by a fixed cooldown.
func (p *Poller) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("error", r).Error("poll cycle failed unexpectedly")
			time.Sleep(p.cooldown)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	switch p.mode {
	case config.ModeInterval:
		p.runIntervalCycle(ctx)
	case config.ModeBreakdown:
		p.runBreakdownCycle(ctx)
	default:
		p.runDailyCycle(ctx)
	}
}

// runIntervalCycle fetches the 15-minute reading at now-24h and
// publishes the day-to-date running total. The processed marker is
// recorded only after a successful fetch so a failed interval is
// retried on the next wake rather than skipped.
func (p *Poller) runIntervalCycle(ctx context.Context) {
	target := p.targetInstant()
	if p.seen.Contains(target.Unix()) {
		metrics.CyclesSkipped.Inc()
		return
	}

	reading, err := p.fetcher.FetchInstant(ctx, target)
	if err != nil {
		p.logger.WithError(err).WithField("target", target.Format(time.RFC3339)).
			Error("fetch failed, will retry next wake")
		return
	}
	p.seen.Add(target.Unix(), struct{}{})

	total := p.acc.Add(reading)
	if p.sink.PublishInstant(total) {
		metrics.LastSuccess.SetToCurrentTime()
		p.logger.WithFields(logrus.Fields{
			"target":      target.Format(time.RFC3339),
			"consumption": total.Consumption,
			"feedin":      total.FeedIn,
		}).Info("published running totals")
	}
}

func (p *Poller) runDailyCycle(ctx context.Context) {
	date := p.yesterday()
	reading, err := p.fetcher.FetchDayTotal(ctx, date)
	if err != nil {
		p.logger.WithError(err).WithField("date", date.Format("2006-01-02")).
			Error("fetch failed, will retry next wake")
		return
	}

	if p.sink.PublishDaily(p.acc.Add(reading), date) {
		metrics.LastSuccess.SetToCurrentTime()
		p.logger.WithField("date", date.Format("2006-01-02")).Info("published day totals")
	}
}

func (p *Poller) runBreakdownCycle(ctx context.Context) {
	date := p.yesterday()
	report, err := p.fetcher.FetchDayBreakdown(ctx, date)
	if err != nil {
		p.logger.WithError(err).WithField("date", date.Format("2006-01-02")).
			Error("fetch failed, will retry next wake")
		return
	}

	if p.sink.PublishBreakdown(report) {
		metrics.LastSuccess.SetToCurrentTime()
		p.logger.WithFields(logrus.Fields{
			"date":  date.Format("2006-01-02"),
			"slots": len(report.Slots),
		}).Info("published quarter-hour breakdown")
	}
}

// targetInstant is now-24h rounded down to the provider's 15-minute
// measurement grid.
func (p *Poller) targetInstant() time.Time {
	return p.now().Add(-24 * time.Hour).Truncate(15 * time.Minute)
}

// yesterday is the previous local calendar date at midnight.
func (p *Poller) yesterday() time.Time {
	t := p.now().In(p.loc).AddDate(0, 0, -1)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, p.loc)
}
