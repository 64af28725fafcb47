// Package seed defines the default instrument registry and the init runner
// that writes it.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tradekit/ohlcsync/internal/models"
	"github.com/tradekit/ohlcsync/internal/store"
)

// Default returns the instruments the pipeline ships with. Seeding is
// idempotent, so operators can edit the registry in the database without
// re-runs clobbering their changes.
func Default() []models.Instrument {
	return []models.Instrument{
		{
			Symbol:        "BTCUSD",
			BaseCurrency:  "BTC",
			QuoteCurrency: "USD",
			Venue:         "PAXOS",
			AssetClass:    models.AssetClassCrypto,
			TimeZone:      "Europe/London",
			OrderTime:     "08:05",
			ForecastTime:  "08:00",
			DataSource:    "crypto-compare",
		},
		{
			Symbol:        "SPY",
			BaseCurrency:  "SPY",
			QuoteCurrency: "USD",
			Venue:         "ARCA",
			AssetClass:    models.AssetClassStock,
			TimeZone:      "America/New_York",
			OrderTime:     "14:35",
			ForecastTime:  "14:30",
			DataSource:    "interactive-brokers",
		},
	}
}

// Run creates the schema and seeds the default instruments. Safe to run
// repeatedly; existing symbols are left untouched.
func Run(ctx context.Context, st store.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if err := st.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	instruments := Default()
	for _, instrument := range instruments {
		if err := instrument.Validate(); err != nil {
			return fmt.Errorf("default instrument %s: %w", instrument.Symbol, err)
		}
	}

	if err := st.SeedInstruments(ctx, instruments); err != nil {
		return fmt.Errorf("seeding instruments: %w", err)
	}

	logger.Info("database initialized", "instruments", len(instruments))
	return nil
}
