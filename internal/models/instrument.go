package models

import (
	"fmt"
	"time"
)

// Asset classes recognized by the pipeline. Crypto instruments fetch from the
// paginated vendor API; everything else goes through the brokerage gateway.
const (
	AssetClassCrypto = "crypto"
	AssetClassStock  = "stock"
)

// Instrument is the seeded, read-only metadata for a tradable symbol. The
// sync engine never mutates instruments; they are written once by the seeding
// runner.
type Instrument struct {
	Symbol        string `json:"symbol" db:"symbol"`
	BaseCurrency  string `json:"base_currency" db:"base_currency"`
	QuoteCurrency string `json:"quote_currency" db:"quote_currency"`
	Venue         string `json:"venue" db:"venue"`
	AssetClass    string `json:"asset_class" db:"asset_class"`

	// TimeZone is an IANA zone name, e.g. "Europe/London". Scheduled times
	// below are interpreted in this zone.
	TimeZone string `json:"time_zone" db:"time_zone"`

	// OrderTime and ForecastTime are wall-clock times in "15:04" format.
	OrderTime    string `json:"order_time" db:"order_time"`
	ForecastTime string `json:"forecast_time" db:"forecast_time"`

	// DataSource names the upstream bar source, e.g. "crypto-compare" or
	// "interactive-brokers". Resolved by the source selector.
	DataSource string `json:"data_source" db:"data_source"`
}

// Validate checks that the instrument's required fields are present and that
// its zone and scheduled times parse.
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if i.BaseCurrency == "" {
		return &ValidationError{Field: "base_currency", Message: "base currency cannot be empty"}
	}
	if i.QuoteCurrency == "" {
		return &ValidationError{Field: "quote_currency", Message: "quote currency cannot be empty"}
	}
	if i.DataSource == "" {
		return &ValidationError{Field: "data_source", Message: "data source cannot be empty"}
	}
	if i.TimeZone != "" {
		if _, err := time.LoadLocation(i.TimeZone); err != nil {
			return &ValidationError{Field: "time_zone", Message: fmt.Sprintf("invalid time zone: %v", err)}
		}
	}
	for field, value := range map[string]string{"order_time": i.OrderTime, "forecast_time": i.ForecastTime} {
		if value == "" {
			continue
		}
		if _, err := time.Parse("15:04", value); err != nil {
			return &ValidationError{Field: field, Message: fmt.Sprintf("invalid clock time %q: %v", value, err)}
		}
	}
	return nil
}

// IsCrypto reports whether the instrument belongs to the crypto asset class.
func (i *Instrument) IsCrypto() bool {
	return i.AssetClass == AssetClassCrypto
}

// Location resolves the instrument's time zone, defaulting to UTC when unset.
func (i *Instrument) Location() (*time.Location, error) {
	if i.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(i.TimeZone)
}

// ForecastClock parses ForecastTime into hour and minute components.
func (i *Instrument) ForecastClock() (hour, minute int, err error) {
	return parseClock(i.ForecastTime)
}

// OrderClock parses OrderTime into hour and minute components.
func (i *Instrument) OrderClock() (hour, minute int, err error) {
	return parseClock(i.OrderTime)
}

func parseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}
