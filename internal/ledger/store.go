// Package ledger persists run results to Postgres: one row per run, order
// snapshots keyed by run and order id, and one row per fill. Recording is
// optional; binaries without a DSN skip the package entirely.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/exchange"
)

// Run modes recorded in the ledger.
const (
	ModeBacktest = "backtest"
	ModeLiveSim  = "livesim"
)

// Run identifies one dispatcher session.
type Run struct {
	ID           string
	Mode         string
	ConfigDigest string
	Pair         string
	Strategy     string
	StartedAt    time.Time
	Metadata     map[string]any
}

// RunRecord is a run as read back, including completion fields.
type RunRecord struct {
	Run
	FinishedAt  *time.Time
	FinalEquity decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderRecord is an order snapshot as read back from the ledger.
type OrderRecord struct {
	RunID        string
	OrderID      string
	Symbol       string
	Side         exchange.Side
	Type         exchange.OrderType
	State        exchange.OrderState
	Amount       decimal.Decimal
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fees         map[string]decimal.Decimal
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// FillRecord is one fill row as read back from the ledger.
type FillRecord struct {
	RunID    string
	OrderID  string
	Symbol   string
	Side     exchange.Side
	Amount   decimal.Decimal
	Price    decimal.Decimal
	Maker    bool
	Fees     map[string]decimal.Decimal
	TradedAt time.Time
}

// OrderQuery filters ListOrders.
type OrderQuery struct {
	RunID  string
	States []exchange.OrderState
	Limit  int
}

// FillQuery filters ListFills.
type FillQuery struct {
	RunID   string
	OrderID string
	Limit   int
}

// Store persists runs, order snapshots and fills.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	runInsertSQL = `
INSERT INTO runs (
    id,
    mode,
    config_digest,
    pair,
    strategy,
    started_at,
    finished_at,
    final_equity,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @id,
    @mode,
    @config_digest,
    @pair,
    @strategy,
    @started_at,
    NULL,
    NULL,
    @metadata::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	runFinishSQL = `
UPDATE runs
SET finished_at = @finished_at,
    final_equity = @final_equity,
    updated_at = NOW()
WHERE id = @id;
`

	orderUpsertSQL = `
INSERT INTO orders (
    run_id,
    order_id,
    pair,
    side,
    order_type,
    state,
    amount,
    limit_price,
    stop_price,
    filled,
    avg_fill_price,
    fees,
    submitted_at,
    updated_at
)
VALUES (
    @run_id,
    @order_id,
    @pair,
    @side,
    @order_type,
    @state,
    @amount,
    @limit_price,
    @stop_price,
    @filled,
    @avg_fill_price,
    @fees::jsonb,
    @submitted_at,
    @updated_at
)
ON CONFLICT (run_id, order_id) DO UPDATE SET
    state = EXCLUDED.state,
    filled = EXCLUDED.filled,
    avg_fill_price = EXCLUDED.avg_fill_price,
    fees = EXCLUDED.fees,
    updated_at = EXCLUDED.updated_at;
`

	fillInsertSQL = `
INSERT INTO fills (
    run_id,
    order_id,
    pair,
    side,
    amount,
    price,
    maker,
    fees,
    traded_at
)
VALUES (
    @run_id,
    @order_id,
    @pair,
    @side,
    @amount,
    @price,
    @maker,
    @fees::jsonb,
    @traded_at
);
`

	runSelectSQL = `
SELECT
    id::text,
    mode,
    config_digest,
    pair,
    strategy,
    started_at,
    finished_at,
    final_equity::text,
    metadata,
    created_at,
    updated_at
FROM runs
WHERE id = @id;
`

	orderSelectBase = `
SELECT
    run_id::text,
    order_id,
    pair,
    side,
    order_type,
    state,
    amount::text,
    limit_price::text,
    stop_price::text,
    filled::text,
    avg_fill_price::text,
    fees,
    submitted_at,
    updated_at
FROM orders
`

	fillSelectBase = `
SELECT
    run_id::text,
    order_id,
    pair,
    side,
    amount::text,
    price::text,
    maker,
    fees,
    traded_at
FROM fills
`

	defaultOrderLimit = 200
	defaultFillLimit  = 500
	maxListLimit      = 5000
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("ledger: nil pool")
	}
	return s.pool, nil
}

// BeginRun inserts the run row. Re-inserting an existing id is a no-op.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("ledger: run id required")
	}
	metadata, err := encodeMetadata(run.Metadata)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":            run.ID,
		"mode":          strings.TrimSpace(run.Mode),
		"config_digest": strings.TrimSpace(run.ConfigDigest),
		"pair":          strings.TrimSpace(run.Pair),
		"strategy":      strings.TrimSpace(run.Strategy),
		"started_at":    run.StartedAt,
		"metadata":      metadata,
	}
	if _, err := pool.Exec(ctx, runInsertSQL, args); err != nil {
		return fmt.Errorf("ledger: insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the run with its end instant and final equity.
func (s *Store) FinishRun(ctx context.Context, id string, finishedAt time.Time, finalEquity decimal.Decimal) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("ledger: run id required")
	}
	args := pgx.NamedArgs{
		"id":           id,
		"finished_at":  finishedAt,
		"final_equity": finalEquity.String(),
	}
	tag, err := pool.Exec(ctx, runFinishSQL, args)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: finish run: unknown run %s", id)
	}
	return nil
}

// UpsertOrder writes the latest snapshot of an order. Later snapshots of the
// same order replace the mutable fields.
func (s *Store) UpsertOrder(ctx context.Context, runID string, order exchange.OrderInfo) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("ledger: run id required")
	}
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("ledger: order id required")
	}
	fees, err := encodeFees(order.Fees)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"run_id":         runID,
		"order_id":       order.ID,
		"pair":           order.Pair.Symbol(),
		"side":           string(order.Side),
		"order_type":     string(order.Type),
		"state":          string(order.State),
		"amount":         order.Amount.String(),
		"limit_price":    nullableNumeric(order.LimitPrice),
		"stop_price":     nullableNumeric(order.StopPrice),
		"filled":         order.Filled.String(),
		"avg_fill_price": nullableNumeric(order.AvgFillPrice),
		"fees":           fees,
		"submitted_at":   order.SubmittedAt,
		"updated_at":     order.UpdatedAt,
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger: upsert order: %w", err)
	}
	return nil
}

// InsertFill appends one fill row.
func (s *Store) InsertFill(ctx context.Context, runID string, fill exchange.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("ledger: run id required")
	}
	if strings.TrimSpace(fill.OrderID) == "" {
		return fmt.Errorf("ledger: order id required")
	}
	fees, err := encodeFees(fill.Fees)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"run_id":    runID,
		"order_id":  fill.OrderID,
		"pair":      fill.Pair.Symbol(),
		"side":      string(fill.Side),
		"amount":    fill.Amount.String(),
		"price":     fill.Price.String(),
		"maker":     fill.Maker,
		"fees":      fees,
		"traded_at": fill.At,
	}
	if _, err := pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("ledger: insert fill: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by id.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var record RunRecord
	pool, err := s.ensurePool()
	if err != nil {
		return record, err
	}
	var (
		finishedAt    pgtype.Timestamptz
		finalEquity   sql.NullString
		metadataBytes []byte
	)
	row := pool.QueryRow(ctx, runSelectSQL, pgx.NamedArgs{"id": id})
	if err := row.Scan(
		&record.ID,
		&record.Mode,
		&record.ConfigDigest,
		&record.Pair,
		&record.Strategy,
		&record.StartedAt,
		&finishedAt,
		&finalEquity,
		&metadataBytes,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return record, fmt.Errorf("ledger: get run %s: %w", id, err)
	}
	if finishedAt.Valid {
		done := finishedAt.Time
		record.FinishedAt = &done
	}
	equity, err := parseOptionalNumeric(finalEquity)
	if err != nil {
		return record, err
	}
	record.FinalEquity = equity
	metadata, err := decodeMetadata(metadataBytes)
	if err != nil {
		return record, err
	}
	record.Metadata = metadata
	return record, nil
}

// ListOrders retrieves order snapshots for one run, oldest first.
func (s *Store) ListOrders(ctx context.Context, query OrderQuery) ([]OrderRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	runID := strings.TrimSpace(query.RunID)
	if runID == "" {
		return nil, fmt.Errorf("ledger: run id required")
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE run_id = $1")

	args := []any{runID}
	argPos := 2

	states := normalizedStates(query.States)
	if len(states) > 0 {
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY submitted_at, order_id LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list orders: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		var (
			record       OrderRecord
			amount       string
			limitPrice   sql.NullString
			stopPrice    sql.NullString
			filled       string
			avgFillPrice sql.NullString
			feesBytes    []byte
		)
		if err := rows.Scan(
			&record.RunID,
			&record.OrderID,
			&record.Symbol,
			&record.Side,
			&record.Type,
			&record.State,
			&amount,
			&limitPrice,
			&stopPrice,
			&filled,
			&avgFillPrice,
			&feesBytes,
			&record.SubmittedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan order: %w", err)
		}
		if record.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if record.LimitPrice, err = parseOptionalNumeric(limitPrice); err != nil {
			return nil, err
		}
		if record.StopPrice, err = parseOptionalNumeric(stopPrice); err != nil {
			return nil, err
		}
		if record.Filled, err = parseNumeric(filled); err != nil {
			return nil, err
		}
		if record.AvgFillPrice, err = parseOptionalNumeric(avgFillPrice); err != nil {
			return nil, err
		}
		if record.Fees, err = decodeFees(feesBytes); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate orders: %w", err)
	}
	return records, nil
}

// ListFills retrieves fills for one run in execution order.
func (s *Store) ListFills(ctx context.Context, query FillQuery) ([]FillRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	runID := strings.TrimSpace(query.RunID)
	if runID == "" {
		return nil, fmt.Errorf("ledger: run id required")
	}
	limit := clampLimit(query.Limit, defaultFillLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(fillSelectBase)
	builder.WriteString(" WHERE run_id = $1")

	args := []any{runID}
	argPos := 2

	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY traded_at, id LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list fills: %w", err)
	}
	defer rows.Close()

	var records []FillRecord
	for rows.Next() {
		var (
			record    FillRecord
			amount    string
			price     string
			feesBytes []byte
		)
		if err := rows.Scan(
			&record.RunID,
			&record.OrderID,
			&record.Symbol,
			&record.Side,
			&amount,
			&price,
			&record.Maker,
			&feesBytes,
			&record.TradedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan fill: %w", err)
		}
		if record.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if record.Price, err = parseNumeric(price); err != nil {
			return nil, err
		}
		if record.Fees, err = decodeFees(feesBytes); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate fills: %w", err)
	}
	return records, nil
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("ledger: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func encodeFees(fees map[string]decimal.Decimal) ([]byte, error) {
	if len(fees) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(fees)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode fees: %w", err)
	}
	return data, nil
}

func decodeFees(raw []byte) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fees map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &fees); err != nil {
		return nil, fmt.Errorf("ledger: decode fees: %w", err)
	}
	if len(fees) == 0 {
		return nil, nil
	}
	return fees, nil
}

// nullableNumeric maps the zero decimal to NULL. Zero prices mean "not
// applicable" throughout the order model.
func nullableNumeric(value decimal.Decimal) any {
	if value.IsZero() {
		return nil
	}
	return value.String()
}

func parseNumeric(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse numeric %q: %w", trimmed, err)
	}
	return parsed, nil
}

func parseOptionalNumeric(value sql.NullString) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	return parseNumeric(value.String)
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStates(states []exchange.OrderState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, 0, len(states))
	for _, state := range states {
		trimmed := strings.ToUpper(strings.TrimSpace(string(state)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
