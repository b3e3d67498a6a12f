package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/session"
)

// OutcomeCounts are the session outcomes seen since local midnight.
type OutcomeCounts struct {
	Completed int64
	TimedOut  int64
	Rejected  int64
}

// DailyOutcomes counts terminal session transitions and resets at
// local midnight. It is safe for concurrent use.
type DailyOutcomes struct {
	clock clock.Clock
	loc   *time.Location

	mu       sync.Mutex
	counts   OutcomeCounts
	resetDay int // day-of-year of last reset
}

// NewDailyOutcomes creates a counter using loc for midnight detection.
// A nil loc uses [time.Local]; a nil clock uses the wall clock.
func NewDailyOutcomes(loc *time.Location, clk clock.Clock) *DailyOutcomes {
	if loc == nil {
		loc = time.Local
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &DailyOutcomes{
		clock:    clk,
		loc:      loc,
		resetDay: clk.Now().In(loc).YearDay(),
	}
}

// Observe counts s. It has the shape of a [session.Observer].
func (d *DailyOutcomes) Observe(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch s.Status {
	case session.StatusCompleted:
		d.counts.Completed++
	case session.StatusTimedOut:
		d.counts.TimedOut++
	case session.StatusRejected:
		d.counts.Rejected++
	}
}

// Snapshot returns today's counts.
func (d *DailyOutcomes) Snapshot() OutcomeCounts {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.counts
}

// maybeReset must be called with d.mu held.
func (d *DailyOutcomes) maybeReset() {
	today := d.clock.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.counts = OutcomeCounts{}
		d.resetDay = today
	}
}
