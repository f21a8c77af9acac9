package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/clickhouse"
	"StockMaster/pkg/logger"
	"StockMaster/pkg/util"
)

// All three tables are ReplacingMergeTree keyed on their natural key with a
// version column, so an upsert is just an insert of a newer version. Reads go
// through FINAL to collapse versions; the nightly Optimize pass keeps the
// part count down between runs.
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS stock_master (
		symbol              String,
		name                String,
		market              LowCardinality(String),
		is_active           UInt8,
		listing_date        Nullable(Date),
		listing_date_source LowCardinality(String),
		delisting_date      Nullable(Date),
		delisting_reason    String,
		last_reconciled_at  DateTime,
		create_dt           DateTime DEFAULT now(),
		update_dt           DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(update_dt)
	ORDER BY symbol`,

	`CREATE TABLE IF NOT EXISTS stock_price (
		symbol     String,
		trade_date Date,
		open       Float64,
		high       Float64,
		low        Float64,
		close      Float64,
		volume     UInt64,
		update_dt  DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(update_dt)
	PARTITION BY toYYYYMM(trade_date)
	ORDER BY (symbol, trade_date)`,

	`CREATE TABLE IF NOT EXISTS ca_state (
		symbol         String,
		state          LowCardinality(String),
		suspect_date   Date,
		suspect_ratio  Float64,
		observed_close Float64,
		updated_at     DateTime
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY symbol`,
}

const instrumentCols = `symbol, name, market, is_active, listing_date,
	listing_date_source, delisting_date, delisting_reason, last_reconciled_at`

// ClickHouseRegistry implements RegistryStore on ClickHouse.
type ClickHouseRegistry struct {
	client  *clickhouse.Client
	log     *logger.Logger
	metrics drepo.Metrics
}

// NewClickHouseRegistry creates the store and ensures the schema exists.
func NewClickHouseRegistry(ctx context.Context, client *clickhouse.Client, log *logger.Logger, m drepo.Metrics) (*ClickHouseRegistry, error) {
	if err := client.InitSchema(ctx, schemaStmts); err != nil {
		return nil, storeErr("init schema", err)
	}
	return &ClickHouseRegistry{client: client, log: log, metrics: m}, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

// GetInstruments returns the collapsed current state of the stock master,
// optionally filtered to one market. Pass models.Market("") for all markets.
func (r *ClickHouseRegistry) GetInstruments(ctx context.Context, market models.Market) ([]models.Instrument, error) {
	query := `SELECT ` + instrumentCols + ` FROM stock_master FINAL`
	var args []interface{}
	if market != "" {
		query += ` WHERE market = ?`
		args = append(args, string(market))
	}
	query += ` ORDER BY symbol`

	rows, err := r.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get instruments", err)
	}
	defer rows.Close()
	return scanInstruments(rows)
}

// GetMissingListingDates returns instruments whose listing date is still
// unknown, active or not. This is the inference phase's work queue.
func (r *ClickHouseRegistry) GetMissingListingDates(ctx context.Context) ([]models.Instrument, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT `+instrumentCols+` FROM stock_master FINAL
		 WHERE listing_date IS NULL
		 ORDER BY symbol`)
	if err != nil {
		return nil, storeErr("get missing listing dates", err)
	}
	defer rows.Close()
	return scanInstruments(rows)
}

func scanInstruments(rows *sql.Rows) ([]models.Instrument, error) {
	var out []models.Instrument
	for rows.Next() {
		var (
			ins      models.Instrument
			active   uint8
			listing  sql.NullTime
			delist   sql.NullTime
			ldSource string
			market   string
		)
		if err := rows.Scan(&ins.Symbol, &ins.Name, &market, &active, &listing,
			&ldSource, &delist, &ins.DelistingReason, &ins.LastReconciledAt); err != nil {
			return nil, storeErr("scan instrument", err)
		}
		ins.Market = models.Market(market)
		ins.IsActive = active != 0
		ins.ListingDateSource = models.ListingDateSource(ldSource)
		if listing.Valid {
			t := listing.Time
			ins.ListingDate = &t
		}
		if delist.Valid {
			t := delist.Time
			ins.DelistingDate = &t
		}
		out = append(out, ins)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate instruments", err)
	}
	return out, nil
}

// UpsertInstrument writes a new version of the row. ReplacingMergeTree keeps
// the latest update_dt per symbol, so this is the whole upsert.
func (r *ClickHouseRegistry) UpsertInstrument(ctx context.Context, ins *models.Instrument) error {
	if err := ins.Validate(); err != nil {
		return fmt.Errorf("upsert instrument: %w", err)
	}
	active := uint8(0)
	if ins.IsActive {
		active = 1
	}
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO stock_master (`+instrumentCols+`, update_dt)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, now())`,
		ins.Symbol, ins.Name, string(ins.Market), active,
		nullableDate(ins.ListingDate), string(ins.ListingDateSource),
		nullableDate(ins.DelistingDate), ins.DelistingReason, ins.LastReconciledAt)
	if err != nil {
		return storeErr("upsert instrument", err)
	}
	r.metrics.RecordWrite("stock_master")
	return nil
}

func nullableDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// AppendPriceBars batch-inserts daily bars and returns how many rows were
// written. A bar already stored with identical values is skipped; a re-insert
// for a stored date with different values becomes a newer version and is
// logged as an update.
func (r *ClickHouseRegistry) AppendPriceBars(ctx context.Context, symbol string, bars []models.PriceBar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	existing, err := r.storedBarsByDate(ctx, symbol, bars)
	if err != nil {
		return 0, err
	}
	toWrite, updated := diffBars(existing, bars)
	for _, b := range updated {
		r.log.Info("price bar updated",
			logger.String("symbol", symbol),
			logger.Time("trade_date", b.TradeDate),
			logger.Float64("close", b.Close),
			logger.Any("volume", b.Volume))
	}
	if len(toWrite) == 0 {
		return 0, nil
	}

	tx, err := r.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin price batch", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stock_price (symbol, trade_date, open, high, low, close, volume, update_dt)
		 VALUES (?, ?, ?, ?, ?, ?, ?, now())`)
	if err != nil {
		_ = tx.Rollback()
		return 0, storeErr("prepare price batch", err)
	}
	defer stmt.Close()

	for _, b := range toWrite {
		if _, err := stmt.ExecContext(ctx, symbol, b.TradeDate, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return 0, storeErr("append price bar", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit price batch", err)
	}

	r.metrics.RecordWrite("stock_price")
	return len(toWrite), nil
}

// storedBarsByDate loads the bars already stored inside the incoming batch's
// date range, keyed by ISO trade date.
func (r *ClickHouseRegistry) storedBarsByDate(ctx context.Context, symbol string, bars []models.PriceBar) (map[string]models.PriceBar, error) {
	from, to := bars[0].TradeDate, bars[0].TradeDate
	for _, b := range bars[1:] {
		if b.TradeDate.Before(from) {
			from = b.TradeDate
		}
		if b.TradeDate.After(to) {
			to = b.TradeDate
		}
	}

	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT symbol, trade_date, open, high, low, close, volume
		 FROM stock_price FINAL
		 WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?`,
		symbol, from, to)
	if err != nil {
		return nil, storeErr("load stored price bars", err)
	}
	defer rows.Close()

	out := make(map[string]models.PriceBar)
	for rows.Next() {
		var b models.PriceBar
		if err := rows.Scan(&b.Symbol, &b.TradeDate, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, storeErr("scan stored price bar", err)
		}
		out[util.FormatDate(b.TradeDate)] = b
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate stored price bars", err)
	}
	return out, nil
}

// diffBars splits incoming bars into the rows that need writing and the
// subset of those that change a date already stored with other values.
func diffBars(existing map[string]models.PriceBar, bars []models.PriceBar) (toWrite, updated []models.PriceBar) {
	for _, b := range bars {
		cur, stored := existing[util.FormatDate(b.TradeDate)]
		if stored && cur.Same(&b) {
			continue
		}
		if stored {
			updated = append(updated, b)
		}
		toWrite = append(toWrite, b)
	}
	return toWrite, updated
}

// LastCloses returns the newest n bars for the symbol, oldest first.
func (r *ClickHouseRegistry) LastCloses(ctx context.Context, symbol string, n int) ([]models.PriceBar, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT symbol, trade_date, open, high, low, close, volume
		 FROM stock_price FINAL
		 WHERE symbol = ?
		 ORDER BY trade_date DESC
		 LIMIT ?`, symbol, n)
	if err != nil {
		return nil, storeErr("last closes", err)
	}
	defer rows.Close()

	var bars []models.PriceBar
	for rows.Next() {
		var b models.PriceBar
		if err := rows.Scan(&b.Symbol, &b.TradeDate, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, storeErr("scan price bar", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate price bars", err)
	}
	// reverse to chronological
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// CountPriceBars counts distinct trade dates stored for one symbol.
func (r *ClickHouseRegistry) CountPriceBars(ctx context.Context, symbol string) (int, error) {
	var n uint64
	err := r.client.DB().QueryRowContext(ctx,
		`SELECT count() FROM stock_price FINAL WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return 0, storeErr("count price bars", err)
	}
	return int(n), nil
}

// DeletePriceBars removes the symbol's bars in [from, to]. mutations_sync
// makes the mutation block until applied, so the re-collection that follows
// sees a clean range.
func (r *ClickHouseRegistry) DeletePriceBars(ctx context.Context, symbol string, from, to time.Time) error {
	_, err := r.client.DB().ExecContext(ctx,
		`ALTER TABLE stock_price DELETE
		 WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?
		 SETTINGS mutations_sync = 1`,
		symbol, from, to)
	if err != nil {
		return storeErr("delete price bars", err)
	}
	r.log.Info("deleted price range",
		logger.String("symbol", symbol),
		logger.Time("from", from),
		logger.Time("to", to))
	return nil
}

// GetCAStates loads the corporate-action state machine for every symbol.
func (r *ClickHouseRegistry) GetCAStates(ctx context.Context) (map[string]models.CorporateActionState, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT symbol, state, suspect_date, suspect_ratio, observed_close, updated_at
		 FROM ca_state FINAL`)
	if err != nil {
		return nil, storeErr("get ca states", err)
	}
	defer rows.Close()

	out := make(map[string]models.CorporateActionState)
	for rows.Next() {
		var (
			st    models.CorporateActionState
			state string
		)
		if err := rows.Scan(&st.Symbol, &state, &st.SuspectDate, &st.SuspectRatio, &st.ObservedClose, &st.UpdatedAt); err != nil {
			return nil, storeErr("scan ca state", err)
		}
		st.State = models.CAState(state)
		out[st.Symbol] = st
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate ca states", err)
	}
	return out, nil
}

// SaveCAState writes a new version of one symbol's detection state.
func (r *ClickHouseRegistry) SaveCAState(ctx context.Context, st models.CorporateActionState) error {
	_, err := r.client.DB().ExecContext(ctx,
		`INSERT INTO ca_state (symbol, state, suspect_date, suspect_ratio, observed_close, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.Symbol, string(st.State), st.SuspectDate, st.SuspectRatio, st.ObservedClose, st.UpdatedAt)
	if err != nil {
		return storeErr("save ca state", err)
	}
	r.metrics.RecordWrite("ca_state")
	return nil
}

// MarketCounts reports active/delisted totals per market for the end-of-run
// summary.
func (r *ClickHouseRegistry) MarketCounts(ctx context.Context) ([]drepo.MarketCount, error) {
	rows, err := r.client.DB().QueryContext(ctx,
		`SELECT market, countIf(is_active = 1), countIf(is_active = 0)
		 FROM stock_master FINAL
		 GROUP BY market
		 ORDER BY market`)
	if err != nil {
		return nil, storeErr("market counts", err)
	}
	defer rows.Close()

	var out []drepo.MarketCount
	for rows.Next() {
		var (
			mc       drepo.MarketCount
			market   string
			active   uint64
			delisted uint64
		)
		if err := rows.Scan(&market, &active, &delisted); err != nil {
			return nil, storeErr("scan market count", err)
		}
		mc.Market = models.Market(market)
		mc.Active = int(active)
		mc.Delisted = int(delisted)
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate market counts", err)
	}
	return out, nil
}

// Optimize collapses ReplacingMergeTree versions after a run so the next
// day's FINAL reads stay cheap.
func (r *ClickHouseRegistry) Optimize(ctx context.Context) error {
	for _, table := range []string{"stock_master", "stock_price", "ca_state"} {
		if _, err := r.client.DB().ExecContext(ctx, "OPTIMIZE TABLE "+table+" FINAL"); err != nil {
			return storeErr("optimize "+table, err)
		}
	}
	return nil
}

// Health pings the connection pool.
func (r *ClickHouseRegistry) Health(ctx context.Context) error {
	if err := r.client.Health(ctx); err != nil {
		return storeErr("health", err)
	}
	return nil
}
