package budget

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resetter zeroes the guard's counters when the calendar day or month rolls
// over in the configured location.
type Resetter struct {
	guard    *Guard
	loc      *time.Location
	interval time.Duration
	logger   *zap.Logger

	lastDay   int
	lastMonth time.Month
	lastYear  int
}

func NewResetter(guard *Guard, loc *time.Location, logger *zap.Logger) *Resetter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resetter{
		guard:    guard,
		loc:      loc,
		interval: time.Minute,
		logger:   logger,
	}
	r.mark(time.Now())
	return r
}

// Run checks for a rollover every interval until ctx is done.
func (r *Resetter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Budget resetter started", zap.String("timezone", r.loc.String()))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Budget resetter stopped")
			return
		case now := <-ticker.C:
			r.Tick(now)
		}
	}
}

// Tick applies any reset due at now. Run calls it; it is exported for tests
// and for callers that drive their own schedule.
func (r *Resetter) Tick(now time.Time) {
	local := now.In(r.loc)

	monthRolled := local.Year() != r.lastYear || local.Month() != r.lastMonth
	dayRolled := monthRolled || local.YearDay() != r.lastDay

	if dayRolled {
		r.guard.ResetDaily()
	}
	if monthRolled {
		r.guard.ResetMonthly()
	}
	r.mark(now)
}

func (r *Resetter) mark(now time.Time) {
	local := now.In(r.loc)
	r.lastDay = local.YearDay()
	r.lastMonth = local.Month()
	r.lastYear = local.Year()
}
