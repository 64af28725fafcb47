// Package models provides the core data structures for the OHLC sync pipeline:
// daily price bars and the instruments they belong to.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents a single time period's OHLC price summary for an instrument.
// Prices are carried as decimal strings to avoid float round-tripping before
// they reach storage. The natural key is (Symbol, Timestamp); the store
// enforces uniqueness on it.
type Bar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`

	// Volume is optional; sources that do not report it leave it empty.
	Volume string `json:"volume,omitempty" db:"volume"`
}

// ValidationError reports a bar field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the bar has a symbol, a non-zero timestamp, parseable
// positive prices, a consistent high/low envelope, and a non-negative volume
// when one is present. Genesis-period bars with all-zero prices are expected
// to be trimmed by the fetching layer before they reach validation.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePx, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if closePx.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}

	if maxOC := decimal.Max(open, closePx); high.LessThan(maxOC) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOC),
		}
	}
	if minOC := decimal.Min(open, closePx); low.GreaterThan(minOC) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOC),
		}
	}

	if b.Volume != "" {
		volume, err := decimal.NewFromString(b.Volume)
		if err != nil {
			return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
		}
		if volume.LessThan(zero) {
			return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
		}
	}

	return nil
}

// IsZeroOHLC reports whether every price field parses to zero. CryptoCompare
// pads an instrument's genesis period with such bars and they must never be
// stored.
func (b *Bar) IsZeroOHLC() bool {
	sum := decimal.Zero
	for _, field := range []string{b.Open, b.High, b.Low, b.Close} {
		v, err := decimal.NewFromString(field)
		if err != nil {
			return false
		}
		sum = sum.Add(v.Abs())
	}
	return sum.IsZero()
}

// Date returns the bar's calendar date truncated to midnight UTC. Window
// arithmetic in the sync engine works on dates, not raw timestamps.
func (b *Bar) Date() time.Time {
	t := b.Timestamp.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SymbolDate renders the composite natural key, e.g. "BTCUSD 2024-01-31".
func (b *Bar) SymbolDate() string {
	return fmt.Sprintf("%s %s", b.Symbol, b.Date().Format("2006-01-02"))
}

// CloseDecimal returns the close price as a decimal.Decimal.
func (b *Bar) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Close)
}

// String implements fmt.Stringer.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{Symbol: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		b.Symbol, b.Timestamp.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// NewBar creates a validated Bar. Price and volume values are decimal strings;
// volume may be empty for sources that do not report it.
func NewBar(symbol string, timestamp time.Time, open, high, low, closePx, volume string) (*Bar, error) {
	bar := &Bar{
		Symbol:    symbol,
		Timestamp: timestamp,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
	}

	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create bar: %w", err)
	}

	return bar, nil
}
