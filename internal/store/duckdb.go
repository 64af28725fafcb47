// DuckDB-backed Store. Uses the DuckDB Appender API for bulk bar inserts and
// relies on the (symbol, timestamp) primary key to reject duplicate bars.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/tradekit/ohlcsync/internal/models"
)

// DuckDBStore implements Store on a DuckDB database. The dbPath may be
// ":memory:" or a file path for persistent storage.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStore opens a DuckDB database at dbPath.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize implements Manager. Creates the instruments and bars tables with
// the natural-key constraint.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB store", "db_path", d.dbPath)

	statements := []struct {
		table string
		query string
	}{
		{"instruments", `
			CREATE TABLE IF NOT EXISTS instruments (
				symbol VARCHAR PRIMARY KEY,
				base_currency VARCHAR NOT NULL,
				quote_currency VARCHAR NOT NULL,
				venue VARCHAR NOT NULL,
				asset_class VARCHAR NOT NULL,
				time_zone VARCHAR NOT NULL,
				order_time VARCHAR NOT NULL,
				forecast_time VARCHAR NOT NULL,
				data_source VARCHAR NOT NULL
			)`},
		{"bars", `
			CREATE TABLE IF NOT EXISTS bars (
				symbol VARCHAR NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				open DOUBLE NOT NULL,
				high DOUBLE NOT NULL,
				low DOUBLE NOT NULL,
				close DOUBLE NOT NULL,
				volume DOUBLE,
				created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
				CONSTRAINT bars_pk PRIMARY KEY (symbol, timestamp),
				CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
				CONSTRAINT bars_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0)
			)`},
	}

	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_bars_symbol_timestamp ON bars (symbol, timestamp)",
	}
	for _, idx := range indexes {
		if _, err := d.db.ExecContext(ctx, idx); err != nil {
			return NewStorageError("initialize", "bars", fmt.Errorf("failed to create index: %w", err))
		}
	}

	d.logger.Info("DuckDB store initialized")
	return nil
}

// Close implements Manager.
func (d *DuckDBStore) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// HealthCheck implements Manager.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("duckdb health check failed: %w", err)
	}
	return nil
}

// AppendBars implements BarAppender using the DuckDB Appender API. A primary
// key violation surfaces from Flush and fails the batch.
func (d *DuckDBStore) AppendBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	start := time.Now()

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return NewAppendError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return NewAppendError("bars", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewAppendError("bars", fmt.Errorf("failed to get DuckDB connection: %w", err))
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "bars")
	if err != nil {
		return NewAppendError("bars", fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	for i := range bars {
		if err := appendBar(appender, &bars[i]); err != nil {
			return NewAppendError("bars", fmt.Errorf("failed to append bar %s: %w", bars[i].SymbolDate(), err))
		}
	}

	if err := appender.Flush(); err != nil {
		return NewAppendError("bars", fmt.Errorf("failed to flush appender: %w", err))
	}

	d.logger.Debug("appended bar batch",
		"count", len(bars),
		"symbol", bars[0].Symbol,
		"duration", time.Since(start))

	return nil
}

// appendBar appends a single bar row, converting decimal strings to float64
// for the Appender API.
func appendBar(appender *duckdb.Appender, bar *models.Bar) error {
	prices := make([]float64, 0, 4)
	for _, field := range []string{bar.Open, bar.High, bar.Low, bar.Close} {
		v, err := decimal.NewFromString(field)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", field, err)
		}
		f, _ := v.Float64()
		prices = append(prices, f)
	}

	var volume interface{}
	if bar.Volume != "" {
		v, err := decimal.NewFromString(bar.Volume)
		if err != nil {
			return fmt.Errorf("invalid volume %q: %w", bar.Volume, err)
		}
		f, _ := v.Float64()
		volume = f
	}

	return appender.AppendRow(
		bar.Symbol,
		bar.Timestamp.UTC(),
		prices[0], prices[1], prices[2], prices[3],
		volume,
		time.Now().UTC(),
	)
}

// LatestBar implements BarReader.
func (d *DuckDBStore) LatestBar(ctx context.Context, symbol string) (*models.Bar, error) {
	query := `
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM bars WHERE symbol = ?
		ORDER BY timestamp DESC LIMIT 1`

	row := d.db.QueryRowContext(ctx, query, symbol)
	bar, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	return bar, nil
}

// QueryBars implements BarReader.
func (d *DuckDBStore) QueryBars(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	query := "SELECT symbol, timestamp, open, high, low, close, volume FROM bars WHERE symbol = ?"
	args := []interface{}{req.Symbol}

	if !req.Start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, req.Start.UTC())
	}
	if !req.End.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, req.End.UTC())
	}
	query += " ORDER BY timestamp ASC"
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, NewQueryError("bars", err)
		}
		bars = append(bars, *bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", err)
	}

	return &QueryResponse{Bars: bars, Total: len(bars)}, nil
}

// GetInstrument implements InstrumentStore.
func (d *DuckDBStore) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT symbol, base_currency, quote_currency, venue, asset_class,
		       time_zone, order_time, forecast_time, data_source
		FROM instruments WHERE symbol = ?`, symbol)

	inst, err := scanInstrument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, NewQueryError("instruments", err)
	}
	return inst, nil
}

// ListInstruments implements InstrumentStore.
func (d *DuckDBStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT symbol, base_currency, quote_currency, venue, asset_class,
		       time_zone, order_time, forecast_time, data_source
		FROM instruments ORDER BY symbol ASC`)
	if err != nil {
		return nil, NewQueryError("instruments", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, NewQueryError("instruments", err)
		}
		instruments = append(instruments, *inst)
	}
	return instruments, rows.Err()
}

// SeedInstruments implements InstrumentStore. Already-seeded symbols are
// skipped so re-running init is harmless.
func (d *DuckDBStore) SeedInstruments(ctx context.Context, instruments []models.Instrument) error {
	for i := range instruments {
		if err := instruments[i].Validate(); err != nil {
			return NewStorageError("seed", "instruments", err)
		}
	}

	for _, inst := range instruments {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO instruments
				(symbol, base_currency, quote_currency, venue, asset_class,
				 time_zone, order_time, forecast_time, data_source)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM instruments WHERE symbol = ?)`,
			inst.Symbol, inst.BaseCurrency, inst.QuoteCurrency, inst.Venue,
			inst.AssetClass, inst.TimeZone, inst.OrderTime, inst.ForecastTime,
			inst.DataSource, inst.Symbol)
		if err != nil {
			return NewStorageError("seed", "instruments", err)
		}
	}
	return nil
}

// scannable covers both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBar(row scannable) (*models.Bar, error) {
	var bar models.Bar
	var open, high, low, closePx float64
	var volume sql.NullFloat64

	if err := row.Scan(&bar.Symbol, &bar.Timestamp, &open, &high, &low, &closePx, &volume); err != nil {
		return nil, err
	}

	bar.Timestamp = bar.Timestamp.UTC()
	bar.Open = decimal.NewFromFloat(open).String()
	bar.High = decimal.NewFromFloat(high).String()
	bar.Low = decimal.NewFromFloat(low).String()
	bar.Close = decimal.NewFromFloat(closePx).String()
	if volume.Valid {
		bar.Volume = decimal.NewFromFloat(volume.Float64).String()
	}
	return &bar, nil
}

func scanInstrument(row scannable) (*models.Instrument, error) {
	var inst models.Instrument
	err := row.Scan(&inst.Symbol, &inst.BaseCurrency, &inst.QuoteCurrency,
		&inst.Venue, &inst.AssetClass, &inst.TimeZone, &inst.OrderTime,
		&inst.ForecastTime, &inst.DataSource)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

var _ Store = (*DuckDBStore)(nil)
