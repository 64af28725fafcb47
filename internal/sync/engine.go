// Package sync implements the incremental synchronization engine. For each
// instrument it computes the window of missing dates from the latest stored
// bar, delegates the fetch to the instrument's configured source, and appends
// the returned bars in one batch. The engine itself never retries; transient
// upstream failures are handled inside the sources and runs are cheap to
// repeat.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradekit/ohlcsync/internal/models"
	"github.com/tradekit/ohlcsync/internal/source"
	"github.com/tradekit/ohlcsync/internal/store"
)

// Outcome classifies how a sync run ended.
type Outcome string

const (
	// OutcomeUpToDate means no bars needed fetching or the source had nothing
	// new.
	OutcomeUpToDate Outcome = "up-to-date"

	// OutcomeSynced means new bars were fetched and stored.
	OutcomeSynced Outcome = "synced"
)

// Result summarizes one sync run for one instrument.
type Result struct {
	RunID       string
	Symbol      string
	Outcome     Outcome
	Window      source.Window
	BarsFetched int
	BarsStored  int
	Duration    time.Duration
}

// SourceSelector resolves an instrument's data source name to a concrete
// source. Satisfied by *source.Selector.
type SourceSelector interface {
	Select(name string, instrument models.Instrument) (source.BarSource, error)
}

// Engine drives incremental syncs against a store.
type Engine struct {
	store    store.Store
	selector SourceSelector
	logger   *slog.Logger
	nowFn    func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNowFunc overrides the engine's clock, primarily for tests. The window
// end is recomputed from this clock on every run, so a long-lived engine
// always syncs up to the current date.
func WithNowFunc(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowFn = fn
	}
}

// NewEngine creates a sync engine.
func NewEngine(st store.Store, selector SourceSelector, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:    st,
		selector: selector,
		logger:   logger,
		nowFn:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Synchronize brings one instrument's bars up to the current date. The
// window start is the date of the latest stored bar (nil when the store is
// empty); the source fetches strictly after it. When the latest bar is
// already from today the run is a no-op with zero fetches.
func (e *Engine) Synchronize(ctx context.Context, symbol string) (*Result, error) {
	started := e.nowFn()
	runID := uuid.New().String()
	logger := e.logger.With("run_id", runID, "symbol", symbol)

	instrument, err := e.store.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("loading instrument %s: %w", symbol, err)
	}

	latest, err := e.store.LatestBar(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("reading latest bar for %s: %w", symbol, err)
	}

	today := e.today()
	result := &Result{RunID: runID, Symbol: symbol}

	window, upToDate := computeWindow(latest, today)
	result.Window = window
	if upToDate {
		result.Outcome = OutcomeUpToDate
		result.Duration = e.nowFn().Sub(started)
		logger.Info("already up to date", "latest", latest.Date().Format("2006-01-02"))
		return result, nil
	}

	src, err := e.selector.Select(instrument.DataSource, *instrument)
	if err != nil {
		return nil, fmt.Errorf("selecting source for %s: %w", symbol, err)
	}

	bars, err := src.FetchBars(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("fetching bars for %s: %w", symbol, err)
	}
	result.BarsFetched = len(bars)

	if len(bars) == 0 {
		result.Outcome = OutcomeUpToDate
		result.Duration = e.nowFn().Sub(started)
		logger.Info("source returned nothing new")
		return result, nil
	}

	if err := e.store.AppendBars(ctx, bars); err != nil {
		return nil, fmt.Errorf("storing bars for %s: %w", symbol, err)
	}
	result.BarsStored = len(bars)
	result.Outcome = OutcomeSynced
	result.Duration = e.nowFn().Sub(started)

	logger.Info("sync complete",
		"bars", len(bars),
		"first", bars[0].Date().Format("2006-01-02"),
		"last", bars[len(bars)-1].Date().Format("2006-01-02"),
		"duration", result.Duration)

	return result, nil
}

// SynchronizeAll syncs every seeded instrument sequentially. Failures on one
// instrument do not stop the others; the joined error carries every failure.
func (e *Engine) SynchronizeAll(ctx context.Context) ([]*Result, error) {
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing instruments: %w", err)
	}

	results := make([]*Result, 0, len(instruments))
	var errs []error
	for _, instrument := range instruments {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		result, err := e.Synchronize(ctx, instrument.Symbol)
		if err != nil {
			e.logger.Error("sync failed", "symbol", instrument.Symbol, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}

	return results, errors.Join(errs...)
}

// today returns the current date at midnight UTC.
func (e *Engine) today() time.Time {
	now := e.nowFn().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// computeWindow derives the fetch window from the latest stored bar. The
// comparison works on calendar dates: a latest bar anywhere inside today
// means there is nothing to fetch, and an older one anchors the window start
// at its date so the source can resume from the first missing day.
func computeWindow(latest *models.Bar, today time.Time) (source.Window, bool) {
	if latest == nil {
		return source.Window{Start: nil, End: today}, false
	}

	latestDate := latest.Date()
	if !latestDate.Before(today) {
		return source.Window{Start: &latestDate, End: today}, true
	}

	return source.Window{Start: &latestDate, End: today}, false
}
