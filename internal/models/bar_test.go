package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarValidate(t *testing.T) {
	ts := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		bar       Bar
		wantErr   bool
		wantField string
	}{
		{
			name: "valid bar with volume",
			bar:  Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "42000.5", High: "43100", Low: "41800", Close: "42950.25", Volume: "1250.7"},
		},
		{
			name: "valid bar without volume",
			bar:  Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "100", High: "101", Low: "99", Close: "100.5"},
		},
		{
			name:      "missing symbol",
			bar:       Bar{Timestamp: ts, Open: "100", High: "101", Low: "99", Close: "100.5"},
			wantErr:   true,
			wantField: "symbol",
		},
		{
			name:      "zero timestamp",
			bar:       Bar{Symbol: "BTCUSD", Open: "100", High: "101", Low: "99", Close: "100.5"},
			wantErr:   true,
			wantField: "timestamp",
		},
		{
			name:      "unparseable open",
			bar:       Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "abc", High: "101", Low: "99", Close: "100.5"},
			wantErr:   true,
			wantField: "open",
		},
		{
			name:      "zero close",
			bar:       Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "100", High: "101", Low: "99", Close: "0"},
			wantErr:   true,
			wantField: "close",
		},
		{
			name:      "high below close",
			bar:       Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "100", High: "100.4", Low: "99", Close: "100.5"},
			wantErr:   true,
			wantField: "high",
		},
		{
			name:      "low above open",
			bar:       Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "100", High: "101", Low: "100.2", Close: "100.5"},
			wantErr:   true,
			wantField: "low",
		},
		{
			name:      "negative volume",
			bar:       Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "100", High: "101", Low: "99", Close: "100.5", Volume: "-1"},
			wantErr:   true,
			wantField: "volume",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bar.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestBarIsZeroOHLC(t *testing.T) {
	ts := time.Date(2010, 7, 17, 0, 0, 0, 0, time.UTC)

	zero := Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "0", High: "0", Low: "0", Close: "0"}
	assert.True(t, zero.IsZeroOHLC())

	real := Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "0.05", High: "0.05", Low: "0.04", Close: "0.049"}
	assert.False(t, real.IsZeroOHLC())

	garbage := Bar{Symbol: "BTCUSD", Timestamp: ts, Open: "x", High: "0", Low: "0", Close: "0"}
	assert.False(t, garbage.IsZeroOHLC())
}

func TestBarDateAndSymbolDate(t *testing.T) {
	// Non-midnight time component must not leak into the date key.
	bar := Bar{
		Symbol:    "NVDA",
		Timestamp: time.Date(2024, 3, 5, 14, 30, 12, 0, time.UTC),
		Open:      "100", High: "101", Low: "99", Close: "100.5",
	}

	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), bar.Date())
	assert.Equal(t, "NVDA 2024-03-05", bar.SymbolDate())
}

func TestNewBarRejectsInvalid(t *testing.T) {
	_, err := NewBar("BTCUSD", time.Now(), "100", "99", "98", "100", "")
	require.Error(t, err)

	bar, err := NewBar("BTCUSD", time.Now(), "100", "101", "99", "100", "12.5")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", bar.Symbol)
}

func TestInstrumentValidate(t *testing.T) {
	inst := Instrument{
		Symbol:        "BTCUSD",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		Venue:         "dydx",
		AssetClass:    AssetClassCrypto,
		TimeZone:      "Europe/London",
		OrderTime:     "07:00",
		ForecastTime:  "06:00",
		DataSource:    "crypto-compare",
	}
	require.NoError(t, inst.Validate())
	assert.True(t, inst.IsCrypto())

	hour, minute, err := inst.ForecastClock()
	require.NoError(t, err)
	assert.Equal(t, 6, hour)
	assert.Equal(t, 0, minute)

	bad := inst
	bad.TimeZone = "Mars/Olympus"
	assert.Error(t, bad.Validate())

	bad = inst
	bad.ForecastTime = "25:99"
	assert.Error(t, bad.Validate())

	bad = inst
	bad.DataSource = ""
	assert.Error(t, bad.Validate())
}
