package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/ohlcsync/internal/models"
)

func gateInstrument() models.Instrument {
	return models.Instrument{
		Symbol:       "SPY",
		TimeZone:     "Europe/London",
		ForecastTime: "06:30",
		OrderTime:    "14:35",
	}
}

func fixedGate(now time.Time, opts ...ClockGateOption) *ClockGate {
	opts = append(opts, WithNowFunc(func() time.Time { return now }))
	return NewClockGate(opts...)
}

func TestClockGateAllowForecast(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "exactly on time", now: time.Date(2024, 3, 4, 6, 30, 0, 0, london), want: true},
		{name: "inside tolerance", now: time.Date(2024, 3, 4, 6, 44, 0, 0, london), want: true},
		{name: "tolerance boundary", now: time.Date(2024, 3, 4, 6, 45, 0, 0, london), want: false},
		{name: "too early", now: time.Date(2024, 3, 4, 6, 29, 0, 0, london), want: false},
		{name: "hours later", now: time.Date(2024, 3, 4, 12, 0, 0, 0, london), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := fixedGate(tt.now).Allow(context.Background(), gateInstrument(), KindForecast)
			require.NoError(t, err)
			assert.Equal(t, tt.want, allowed)
		})
	}
}

func TestClockGateEvaluatesInInstrumentZone(t *testing.T) {
	// 05:35 UTC on a July date is 06:35 in London under summer time, inside
	// the forecast window.
	now := time.Date(2024, 7, 1, 5, 35, 0, 0, time.UTC)

	allowed, err := fixedGate(now).Allow(context.Background(), gateInstrument(), KindForecast)
	require.NoError(t, err)
	assert.True(t, allowed)

	// The same wall-clock reading in winter is 05:35 London, outside it.
	winter := time.Date(2024, 1, 2, 5, 35, 0, 0, time.UTC)
	allowed, err = fixedGate(winter).Allow(context.Background(), gateInstrument(), KindForecast)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestClockGateOrderKind(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	allowed, err := fixedGate(time.Date(2024, 3, 4, 14, 40, 0, 0, london)).
		Allow(context.Background(), gateInstrument(), KindOrder)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestClockGateUnconfiguredTimeAllows(t *testing.T) {
	inst := gateInstrument()
	inst.ForecastTime = ""

	allowed, err := fixedGate(time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)).
		Allow(context.Background(), inst, KindForecast)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestClockGateCustomTolerance(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	now := time.Date(2024, 3, 4, 7, 25, 0, 0, london)
	allowed, err := fixedGate(now, WithTolerance(time.Hour)).
		Allow(context.Background(), gateInstrument(), KindForecast)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestClockGateUnknownKind(t *testing.T) {
	_, err := NewClockGate().Allow(context.Background(), gateInstrument(), Kind("settlement"))
	require.Error(t, err)
}
