package budget

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of a budget check.
type Decision int

const (
	Proceed Decision = iota
	ProceedWithDowngrade
	Block
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case ProceedWithDowngrade:
		return "proceed_with_downgrade"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Config holds the spend ceilings. Thresholds are fractions of a limit; a
// zero limit disables that period.
type Config struct {
	DailyLimitUSD      float64
	MonthlyLimitUSD    float64
	WarnThreshold      float64
	DowngradeThreshold float64
	BlockThreshold     float64
}

// DefaultConfig returns no limits with 80/90/100% thresholds.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:      0.8,
		DowngradeThreshold: 0.9,
		BlockThreshold:     1.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = d.WarnThreshold
	}
	if c.DowngradeThreshold <= 0 {
		c.DowngradeThreshold = d.DowngradeThreshold
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = d.BlockThreshold
	}
	return c
}

func (c Config) Validate() error {
	if c.DailyLimitUSD < 0 || c.MonthlyLimitUSD < 0 {
		return fmt.Errorf("budget limits must not be negative")
	}
	if c.WarnThreshold <= 0 || c.DowngradeThreshold <= 0 || c.BlockThreshold <= 0 {
		return fmt.Errorf("budget thresholds must be positive")
	}
	if c.WarnThreshold > c.DowngradeThreshold || c.DowngradeThreshold > c.BlockThreshold {
		return fmt.Errorf("budget thresholds must satisfy warn <= downgrade <= block")
	}
	return nil
}

// BudgetExceededError is returned when the guard blocks a request. No
// provider has been contacted when it is returned.
type BudgetExceededError struct {
	SpentTodayUSD   float64
	SpentMonthUSD   float64
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	Ratio           float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %.0f%% of limit used (today $%.4f/$%.2f, month $%.4f/$%.2f)",
		e.Ratio*100, e.SpentTodayUSD, e.DailyLimitUSD, e.SpentMonthUSD, e.MonthlyLimitUSD)
}

// Snapshot is a point-in-time view of the guard.
type Snapshot struct {
	SpentTodayUSD   float64   `json:"spent_today_usd"`
	SpentMonthUSD   float64   `json:"spent_month_usd"`
	DailyLimitUSD   float64   `json:"daily_limit_usd"`
	MonthlyLimitUSD float64   `json:"monthly_limit_usd"`
	Ratio           float64   `json:"ratio"`
	Decision        string    `json:"decision"`
	DailyResetAt    time.Time `json:"daily_reset_at"`
	MonthlyResetAt  time.Time `json:"monthly_reset_at"`
}

// SpendFunc observes the running totals after every change.
type SpendFunc func(spentToday, spentMonth float64)

// Guard is the process-wide spend accumulator. Every read-modify-write runs
// under mu; nothing else is done while holding it.
type Guard struct {
	mu             sync.Mutex
	spentToday     float64
	spentMonth     float64
	dailyResetAt   time.Time
	monthlyResetAt time.Time

	cfg     Config
	logger  *zap.Logger
	onSpend SpendFunc
}

func NewGuard(cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Guard{
		cfg:            cfg.withDefaults(),
		logger:         logger,
		dailyResetAt:   now,
		monthlyResetAt: now,
	}
}

// OnSpend registers an observer for the running totals. Call before use.
func (g *Guard) OnSpend(fn SpendFunc) {
	g.onSpend = fn
}

// Check evaluates spend against the thresholds, using whichever of the daily
// or monthly limit is closer to being hit.
func (g *Guard) Check() Decision {
	g.mu.Lock()
	ratio := g.ratioLocked()
	today, month := g.spentToday, g.spentMonth
	g.mu.Unlock()

	decision := g.decide(ratio)

	if ratio >= g.cfg.WarnThreshold {
		g.logger.Warn("Budget threshold reached",
			zap.Float64("ratio", ratio),
			zap.Float64("spent_today_usd", today),
			zap.Float64("spent_month_usd", month),
			zap.String("decision", decision.String()))
	}

	return decision
}

// Err returns a BudgetExceededError describing the current state.
func (g *Guard) Err() *BudgetExceededError {
	g.mu.Lock()
	defer g.mu.Unlock()

	return &BudgetExceededError{
		SpentTodayUSD:   g.spentToday,
		SpentMonthUSD:   g.spentMonth,
		DailyLimitUSD:   g.cfg.DailyLimitUSD,
		MonthlyLimitUSD: g.cfg.MonthlyLimitUSD,
		Ratio:           g.ratioLocked(),
	}
}

// Record adds the real cost of one successful call. Callers apply it exactly
// once per call.
func (g *Guard) Record(usd float64) {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return
	}

	g.mu.Lock()
	g.spentToday += usd
	g.spentMonth += usd
	today, month := g.spentToday, g.spentMonth
	g.mu.Unlock()

	if g.onSpend != nil {
		g.onSpend(today, month)
	}
}

// ResetDaily zeroes the daily counter.
func (g *Guard) ResetDaily() {
	g.mu.Lock()
	g.spentToday = 0
	g.dailyResetAt = time.Now()
	today, month := g.spentToday, g.spentMonth
	g.mu.Unlock()

	g.logger.Info("Daily budget reset")
	if g.onSpend != nil {
		g.onSpend(today, month)
	}
}

// ResetMonthly zeroes the monthly counter. The daily counter is untouched.
func (g *Guard) ResetMonthly() {
	g.mu.Lock()
	g.spentMonth = 0
	g.monthlyResetAt = time.Now()
	today, month := g.spentToday, g.spentMonth
	g.mu.Unlock()

	g.logger.Info("Monthly budget reset")
	if g.onSpend != nil {
		g.onSpend(today, month)
	}
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	ratio := g.ratioLocked()
	snap := Snapshot{
		SpentTodayUSD:   g.spentToday,
		SpentMonthUSD:   g.spentMonth,
		DailyLimitUSD:   g.cfg.DailyLimitUSD,
		MonthlyLimitUSD: g.cfg.MonthlyLimitUSD,
		Ratio:           ratio,
		DailyResetAt:    g.dailyResetAt,
		MonthlyResetAt:  g.monthlyResetAt,
	}
	g.mu.Unlock()

	snap.Decision = g.decide(ratio).String()
	return snap
}

// ratioLocked must be called with mu held.
func (g *Guard) ratioLocked() float64 {
	var ratio float64
	if g.cfg.DailyLimitUSD > 0 {
		ratio = g.spentToday / g.cfg.DailyLimitUSD
	}
	if g.cfg.MonthlyLimitUSD > 0 {
		ratio = math.Max(ratio, g.spentMonth/g.cfg.MonthlyLimitUSD)
	}
	return ratio
}

func (g *Guard) decide(ratio float64) Decision {
	switch {
	case ratio >= g.cfg.BlockThreshold:
		return Block
	case ratio >= g.cfg.DowngradeThreshold:
		return ProceedWithDowngrade
	default:
		return Proceed
	}
}
