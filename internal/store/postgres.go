package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradekit/ohlcsync/internal/models"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const pgUniqueViolation = "23505"

// PostgresStore implements Store on a PostgreSQL database via pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at dsn and verifies the
// connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("parse dsn: %w", err))
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("create pool: %w", err))
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, NewStorageError("open", "", fmt.Errorf("ping: %w", err))
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Initialize implements Manager.
func (p *PostgresStore) Initialize(ctx context.Context) error {
	p.logger.Info("initializing PostgreSQL store")

	statements := []struct {
		table string
		query string
	}{
		{"instruments", `
			CREATE TABLE IF NOT EXISTS instruments (
				symbol TEXT PRIMARY KEY,
				base_currency TEXT NOT NULL,
				quote_currency TEXT NOT NULL,
				venue TEXT NOT NULL,
				asset_class TEXT NOT NULL,
				time_zone TEXT NOT NULL,
				order_time TEXT NOT NULL,
				forecast_time TEXT NOT NULL,
				data_source TEXT NOT NULL
			)`},
		{"bars", `
			CREATE TABLE IF NOT EXISTS bars (
				symbol TEXT NOT NULL REFERENCES instruments (symbol),
				timestamp TIMESTAMPTZ NOT NULL,
				open DOUBLE PRECISION NOT NULL,
				high DOUBLE PRECISION NOT NULL,
				low DOUBLE PRECISION NOT NULL,
				close DOUBLE PRECISION NOT NULL,
				volume DOUBLE PRECISION,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				CONSTRAINT bars_pk PRIMARY KEY (symbol, timestamp),
				CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
				CONSTRAINT bars_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0)
			)`},
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt.query); err != nil {
			return NewStorageError("initialize", stmt.table, err)
		}
	}
	return nil
}

// Close implements Manager.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// HealthCheck implements Manager.
func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var now time.Time
	if err := p.pool.QueryRow(checkCtx, "SELECT now()").Scan(&now); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// AppendBars implements BarAppender. All rows go in one transaction so a
// duplicate key rolls back the whole batch; the unique violation is wrapped
// in a StorageError rather than being absorbed with ON CONFLICT, because a
// duplicate here means the fetch window was computed wrong.
func (p *PostgresStore) AppendBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return NewAppendError("bars", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return NewAppendError("bars", fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range bars {
		open, high, low, closePx, volume, err := barFloats(&bars[i])
		if err != nil {
			return NewAppendError("bars", err)
		}
		batch.Queue(`
			INSERT INTO bars (symbol, timestamp, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			bars[i].Symbol, bars[i].Timestamp.UTC(), open, high, low, closePx, volume)
	}

	results := tx.SendBatch(ctx, batch)
	for range bars {
		if _, err := results.Exec(); err != nil {
			results.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return NewAppendError("bars", fmt.Errorf("duplicate natural key: %w", err))
			}
			return NewAppendError("bars", err)
		}
	}
	if err := results.Close(); err != nil {
		return NewAppendError("bars", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return NewAppendError("bars", fmt.Errorf("commit: %w", err))
	}

	p.logger.Debug("appended bar batch", "count", len(bars), "symbol", bars[0].Symbol)
	return nil
}

func barFloats(bar *models.Bar) (open, high, low, closePx float64, volume *float64, err error) {
	fields := []struct {
		value string
		out   *float64
	}{
		{bar.Open, &open}, {bar.High, &high}, {bar.Low, &low}, {bar.Close, &closePx},
	}
	for _, f := range fields {
		v, perr := decimal.NewFromString(f.value)
		if perr != nil {
			return 0, 0, 0, 0, nil, fmt.Errorf("invalid price %q: %w", f.value, perr)
		}
		*f.out, _ = v.Float64()
	}
	if bar.Volume != "" {
		v, perr := decimal.NewFromString(bar.Volume)
		if perr != nil {
			return 0, 0, 0, 0, nil, fmt.Errorf("invalid volume %q: %w", bar.Volume, perr)
		}
		f, _ := v.Float64()
		volume = &f
	}
	return open, high, low, closePx, volume, nil
}

// LatestBar implements BarReader.
func (p *PostgresStore) LatestBar(ctx context.Context, symbol string) (*models.Bar, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT symbol, timestamp, open, high, low, close, volume
		FROM bars WHERE symbol = $1
		ORDER BY timestamp DESC LIMIT 1`, symbol)

	bar, err := scanPgBar(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	return bar, nil
}

// QueryBars implements BarReader.
func (p *PostgresStore) QueryBars(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	query := "SELECT symbol, timestamp, open, high, low, close, volume FROM bars WHERE symbol = $1"
	args := []interface{}{req.Symbol}

	if !req.Start.IsZero() {
		args = append(args, req.Start.UTC())
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !req.End.IsZero() {
		args = append(args, req.End.UTC())
		query += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}
	query += " ORDER BY timestamp ASC"
	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", req.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("bars", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		bar, err := scanPgBar(rows)
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
func (p *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT symbol, base_currency, quote_currency, venue, asset_class,
		       time_zone, order_time, forecast_time, data_source
		FROM instruments WHERE symbol = $1`, symbol)

	inst, err := scanInstrument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrInstrumentNotFound)
	}
	if err != nil {
		return nil, NewQueryError("instruments", err)
	}
	return inst, nil
}

// ListInstruments implements InstrumentStore.
func (p *PostgresStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := p.pool.Query(ctx, `
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

// SeedInstruments implements InstrumentStore. Uses ON CONFLICT DO NOTHING on
// the instruments table only; seeding is explicitly idempotent, unlike bar
// appends.
func (p *PostgresStore) SeedInstruments(ctx context.Context, instruments []models.Instrument) error {
	for i := range instruments {
		if err := instruments[i].Validate(); err != nil {
			return NewStorageError("seed", "instruments", err)
		}
	}

	for _, inst := range instruments {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO instruments
				(symbol, base_currency, quote_currency, venue, asset_class,
				 time_zone, order_time, forecast_time, data_source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol) DO NOTHING`,
			inst.Symbol, inst.BaseCurrency, inst.QuoteCurrency, inst.Venue,
			inst.AssetClass, inst.TimeZone, inst.OrderTime, inst.ForecastTime,
			inst.DataSource)
		if err != nil {
			return NewStorageError("seed", "instruments", err)
		}
	}
	return nil
}

func scanPgBar(row pgx.Row) (*models.Bar, error) {
	var bar models.Bar
	var open, high, low, closePx float64
	var volume *float64

	if err := row.Scan(&bar.Symbol, &bar.Timestamp, &open, &high, &low, &closePx, &volume); err != nil {
		return nil, err
	}

	bar.Timestamp = bar.Timestamp.UTC()
	bar.Open = decimal.NewFromFloat(open).String()
	bar.High = decimal.NewFromFloat(high).String()
	bar.Low = decimal.NewFromFloat(low).String()
	bar.Close = decimal.NewFromFloat(closePx).String()
	if volume != nil {
		bar.Volume = decimal.NewFromFloat(*volume).String()
	}
	return &bar, nil
}

var _ Store = (*PostgresStore)(nil)
