// Package source provides the upstream bar data sources for the sync
// pipeline: a paginated crypto market-data vendor and a brokerage gateway
// with a fixed lookback window. Both variants satisfy a common capability
// interface and are resolved by name through the Selector.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/tradekit/ohlcsync/internal/models"
)

// ErrUnknownSource is returned by the Selector for a data source name it
// does not recognize. This is a configuration error, never a silent no-op.
var ErrUnknownSource = errors.New("unknown data source")

// Window is the date range of bars to fetch in one sync attempt, computed by
// the sync engine from the latest stored bar.
//
// Start is the calendar date (UTC midnight) of the newest bar already in the
// store; sources fetch strictly after it. A nil Start means no bars exist yet
// and the source fetches from its earliest available date. End is the final
// date to fetch, inclusive.
type Window struct {
	Start *time.Time
	End   time.Time
}

// BarSource fetches normalized daily bars for a single instrument. The
// returned slice is oldest-first, trimmed of vendor artifacts, and covers
// only dates after Window.Start. An empty slice with a nil error means the
// store is already up to date; upstream API failures propagate unretried.
type BarSource interface {
	// FetchBars retrieves the bars for the window. Implementations must not
	// keep fetched data as internal state; everything flows through the
	// return value.
	FetchBars(ctx context.Context, w Window) ([]models.Bar, error)

	// HealthCheck verifies the upstream API is reachable.
	HealthCheck(ctx context.Context) error
}

// Validate checks the window's date ordering.
func (w Window) Validate() error {
	if w.End.IsZero() {
		return errors.New("window end cannot be zero")
	}
	if w.Start != nil && w.Start.After(w.End) {
		return errors.New("window start cannot be after end")
	}
	return nil
}

// Days returns the number of calendar days between Start and End. Callers
// must not invoke it with a nil Start.
func (w Window) Days() int {
	return int(w.End.Sub(*w.Start).Hours() / 24)
}
