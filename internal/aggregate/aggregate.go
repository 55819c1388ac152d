// Package aggregate provides the accumulation strategies that map raw
// interval readings onto publish cycles. One abstraction replaces the
// per-mode monoliths: the scheduler picks a strategy from
// configuration and feeds every fetched reading through it.
package aggregate

import (
	"sync"
	"time"

	"github.com/stanbrug/cs-kenter/internal/models"
)

const dateLayout = "2006-01-02"

// Accumulator folds a fetched reading into the state that gets
// published for the cycle.
type Accumulator interface {
	Add(r models.Reading) models.Reading
}

// SingleInstant publishes each reading as-is.
type SingleInstant struct{}

func (SingleInstant) Add(r models.Reading) models.Reading { return r }

// DailyTotal keeps a day-to-date running total that resets at local
// date rollover. Safe for concurrent use; the reset check compares the
// current local date against the date of the last reset and zeroes
// both accumulators before the new reading is added.
type DailyTotal struct {
	mu          sync.Mutex
	consumption float64
	feedin      float64
	lastDate    string
	loc         *time.Location
	now         func() time.Time
}

// NewDailyTotal creates a running-total accumulator using loc for
// rollover detection. If loc is nil, the local timezone is used.
func NewDailyTotal(loc *time.Location) *DailyTotal {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTotal{
		lastDate: time.Now().In(loc).Format(dateLayout),
		loc:      loc,
		now:      time.Now,
	}
}

func (d *DailyTotal) Add(r models.Reading) models.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()

	today := d.now().In(d.loc).Format(dateLayout)
	if today != d.lastDate {
		d.consumption = 0
		d.feedin = 0
		d.lastDate = today
	}

	d.consumption = models.Round3(d.consumption + r.Consumption)
	d.feedin = models.Round3(d.feedin + r.FeedIn)

	return models.Reading{
		Consumption: d.consumption,
		FeedIn:      d.feedin,
		Timestamp:   r.Timestamp,
	}
}

// Snapshot returns the current totals without adding anything.
func (d *DailyTotal) Snapshot() (consumption, feedin float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consumption, d.feedin
}
