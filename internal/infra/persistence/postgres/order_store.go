package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

// OrderStore persists order lifecycle state in the orders table.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ orderstore.Store = (*OrderStore)(nil)

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	createOrdersTableSQL = `
CREATE TABLE IF NOT EXISTS orders (
    order_id             TEXT PRIMARY KEY,
    symbol               TEXT NOT NULL,
    side                 TEXT NOT NULL DEFAULT '',
    order_type           TEXT NOT NULL DEFAULT '',
    quantity             NUMERIC(38, 18) NOT NULL DEFAULT 0,
    price                NUMERIC(38, 18),
    status               TEXT NOT NULL,
    filled_quantity      NUMERIC(38, 18) NOT NULL DEFAULT 0,
    last_update_sequence BIGINT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

	// Rows whose stored sequence is ahead of the incoming one are left untouched.
	orderUpsertSQL = `
INSERT INTO orders (
    order_id,
    symbol,
    side,
    order_type,
    quantity,
    price,
    status,
    filled_quantity,
    last_update_sequence,
    created_at,
    updated_at
)
VALUES (
    @order_id,
    @symbol,
    @side,
    @order_type,
    @quantity,
    @price,
    @status,
    @filled_quantity,
    @sequence,
    @created_at,
    @updated_at
)
ON CONFLICT (order_id) DO UPDATE SET
    symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), orders.symbol),
    side = COALESCE(NULLIF(EXCLUDED.side, ''), orders.side),
    order_type = COALESCE(NULLIF(EXCLUDED.order_type, ''), orders.order_type),
    quantity = EXCLUDED.quantity,
    price = COALESCE(EXCLUDED.price, orders.price),
    status = EXCLUDED.status,
    filled_quantity = EXCLUDED.filled_quantity,
    last_update_sequence = EXCLUDED.last_update_sequence,
    updated_at = EXCLUDED.updated_at
WHERE orders.last_update_sequence < EXCLUDED.last_update_sequence
  AND NOT (
    orders.status IN ('Filled', 'Cancelled', 'PartiallyFilledCanceled', 'Rejected', 'Deactivated')
    AND EXCLUDED.status NOT IN ('Filled', 'Cancelled', 'PartiallyFilledCanceled', 'Rejected', 'Deactivated')
  );
`

	orderSelectBase = `
SELECT
    order_id,
    symbol,
    side,
    order_type,
    quantity::text,
    price::text,
    status,
    filled_quantity::text,
    last_update_sequence,
    created_at,
    updated_at
FROM orders
`

	defaultOrderLimit = 100
	maxOrderLimit     = 1000
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, storageError("nil pool", nil)
	}
	return s.pool, nil
}

// EnsureSchema creates the orders table when it does not exist yet.
func (s *OrderStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createOrdersTableSQL); err != nil {
		return storageError("create orders table", err)
	}
	return nil
}

// Upsert writes the record keyed by order id.
func (s *OrderStore) Upsert(ctx context.Context, record orderstore.Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return upsertWith(ctx, pool, record)
}

func upsertWith(ctx context.Context, exec execer, record orderstore.Record) error {
	args, err := upsertArgs(record)
	if err != nil {
		return err
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return storageError("upsert order", err, errs.WithOrderID(record.OrderID))
	}
	return nil
}

func upsertArgs(record orderstore.Record) (pgx.NamedArgs, error) {
	orderID := strings.TrimSpace(record.OrderID)
	if orderID == "" {
		return nil, errs.New("order-store", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	quantity, err := numericOrZero(record.Quantity)
	if err != nil {
		return nil, invalidNumeric(orderID, "quantity", err)
	}
	filled, err := numericOrZero(record.FilledQuantity)
	if err != nil {
		return nil, invalidNumeric(orderID, "filled_quantity", err)
	}
	price, err := numericFromOptional(record.Price)
	if err != nil {
		return nil, invalidNumeric(orderID, "price", err)
	}
	now := time.Now().UTC()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return pgx.NamedArgs{
		"order_id":        orderID,
		"symbol":          strings.TrimSpace(record.Symbol),
		"side":            string(record.Side),
		"order_type":      string(record.OrderType),
		"quantity":        quantity,
		"price":           price,
		"status":          string(record.Status),
		"filled_quantity": filled,
		"sequence":        record.LastUpdateSequence,
		"created_at":      createdAt,
		"updated_at":      updatedAt,
	}, nil
}

// Get loads a single order by id.
func (s *OrderStore) Get(ctx context.Context, orderID string) (orderstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Record{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE order_id = $1", strings.TrimSpace(orderID))
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Record{}, errs.New("order-store", errs.CodeNotFound, errs.WithOrderID(orderID))
		}
		return orderstore.Record{}, storageError("get order", err, errs.WithOrderID(orderID))
	}
	return record, nil
}

// List retrieves orders matching the supplied filters, most recently updated first.
func (s *OrderStore) List(ctx context.Context, query orderstore.Query) ([]orderstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sqlText, args := buildListQuery(query)
	rows, err := pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, storageError("list orders", err)
	}
	defer rows.Close()

	var records []orderstore.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, storageError("scan order", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate orders", err)
	}
	return records, nil
}

func buildListQuery(query orderstore.Query) (string, []any) {
	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1
	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if statuses := normalizedStatuses(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY updated_at DESC, order_id LIMIT $%d", argPos)
	args = append(args, clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit))
	return builder.String(), args
}

func scanRecord(row rowScanner) (orderstore.Record, error) {
	var (
		record     orderstore.Record
		side       string
		orderType  string
		status     string
		priceValue sql.NullString
	)
	if err := row.Scan(
		&record.OrderID,
		&record.Symbol,
		&side,
		&orderType,
		&record.Quantity,
		&priceValue,
		&status,
		&record.FilledQuantity,
		&record.LastUpdateSequence,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return orderstore.Record{}, err
	}
	record.Side = schema.TradeSide(side)
	record.OrderType = schema.OrderType(orderType)
	record.Status = schema.OrderStatus(status)
	record.Quantity = trimDecimal(record.Quantity)
	record.FilledQuantity = trimDecimal(record.FilledQuantity)
	if priceValue.Valid {
		price := trimDecimal(priceValue.String)
		record.Price = &price
	}
	return record, nil
}

func storageError(msg string, cause error, opts ...errs.Option) error {
	options := append([]errs.Option{errs.WithMessage(msg), errs.WithCause(cause)}, opts...)
	return errs.New("order-store", errs.CodeStorage, options...)
}

func invalidNumeric(orderID, field string, cause error) error {
	return errs.New("order-store", errs.CodeInvalid,
		errs.WithOrderID(orderID), errs.WithField("field", field), errs.WithCause(cause))
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

func normalizedStatuses(statuses []schema.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if trimmed := strings.TrimSpace(string(status)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
