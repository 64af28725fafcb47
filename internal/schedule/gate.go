// Package schedule gates time-sensitive operations to an instrument's
// scheduled forecast and order windows. The brokerage source consults a Gate
// before fetching so that runs outside the configured window become no-ops
// instead of off-schedule data pulls.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/tradekit/ohlcsync/internal/models"
)

// Kind selects which of an instrument's scheduled times a check applies to.
type Kind string

const (
	KindForecast Kind = "forecast"
	KindOrder    Kind = "order"
)

// DefaultTolerance is how long after the scheduled time an operation is
// still considered on schedule.
const DefaultTolerance = 15 * time.Minute

// Gate decides whether a scheduled operation may run right now.
type Gate interface {
	// Allow reports whether the current time falls inside the instrument's
	// window for the given kind. A false result is not an error; callers
	// skip the operation and try again on a later run.
	Allow(ctx context.Context, instrument models.Instrument, kind Kind) (bool, error)
}

// ClockGate allows operations within a tolerance after the instrument's
// scheduled wall-clock time, evaluated in the instrument's own time zone.
type ClockGate struct {
	tolerance time.Duration
	nowFn     func() time.Time
}

// ClockGateOption configures a ClockGate.
type ClockGateOption func(*ClockGate)

// WithTolerance overrides the window length.
func WithTolerance(d time.Duration) ClockGateOption {
	return func(g *ClockGate) {
		g.tolerance = d
	}
}

// WithNowFunc overrides the clock, primarily for tests.
func WithNowFunc(fn func() time.Time) ClockGateOption {
	return func(g *ClockGate) {
		g.nowFn = fn
	}
}

// NewClockGate creates a gate with the default tolerance.
func NewClockGate(opts ...ClockGateOption) *ClockGate {
	g := &ClockGate{
		tolerance: DefaultTolerance,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow checks the instrument's scheduled time for the kind against the
// current wall clock in the instrument's zone. An instrument with no time
// configured for the kind is always allowed.
func (g *ClockGate) Allow(_ context.Context, instrument models.Instrument, kind Kind) (bool, error) {
	var clock func() (int, int, error)
	var configured string
	switch kind {
	case KindForecast:
		clock, configured = instrument.ForecastClock, instrument.ForecastTime
	case KindOrder:
		clock, configured = instrument.OrderClock, instrument.OrderTime
	default:
		return false, fmt.Errorf("unknown schedule kind %q", kind)
	}

	if configured == "" {
		return true, nil
	}

	hour, minute, err := clock()
	if err != nil {
		return false, fmt.Errorf("instrument %s: %w", instrument.Symbol, err)
	}

	loc, err := instrument.Location()
	if err != nil {
		return false, fmt.Errorf("instrument %s: %w", instrument.Symbol, err)
	}

	now := g.nowFn().In(loc)
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)

	return !now.Before(scheduled) && now.Before(scheduled.Add(g.tolerance)), nil
}

var _ Gate = (*ClockGate)(nil)
