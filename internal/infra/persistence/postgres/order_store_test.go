package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()

	err := store.EnsureSchema(ctx)
	require.True(t, errs.Is(err, errs.CodeStorage))

	err = store.Upsert(ctx, orderstore.Record{OrderID: "abc", Symbol: "BTCUSDT", Status: schema.OrderStatusNew})
	require.True(t, errs.Is(err, errs.CodeStorage))

	_, err = store.Get(ctx, "abc")
	require.Error(t, err)

	_, err = store.List(ctx, orderstore.Query{})
	require.Error(t, err)
}

func TestUpsertGuardCoversTerminalStatuses(t *testing.T) {
	require.Contains(t, orderUpsertSQL, "orders.last_update_sequence < EXCLUDED.last_update_sequence")
	guard := orderUpsertSQL[strings.Index(orderUpsertSQL, "WHERE orders."):]
	for _, status := range schema.TerminalStatuses() {
		require.Equal(t, 2, strings.Count(guard, "'"+string(status)+"'"), "status %s", status)
	}
}

func TestUpsertArgsValidation(t *testing.T) {
	_, err := upsertArgs(orderstore.Record{OrderID: "  "})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = upsertArgs(orderstore.Record{OrderID: "1", Quantity: "abc"})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	bad := "x"
	_, err = upsertArgs(orderstore.Record{OrderID: "1", Quantity: "1", Price: &bad})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	args, err := upsertArgs(orderstore.Record{
		OrderID:            " 1 ",
		Symbol:             "BTCUSDT",
		Quantity:           "0.5",
		Status:             schema.OrderStatusPartiallyFilled,
		FilledQuantity:     "",
		LastUpdateSequence: 7,
	})
	require.NoError(t, err)
	require.Equal(t, "1", args["order_id"])
	require.Equal(t, int64(7), args["sequence"])
	require.Equal(t, "PartiallyFilled", args["status"])
	require.False(t, args["created_at"] == nil)
}

func TestBuildListQuery(t *testing.T) {
	sqlText, args := buildListQuery(orderstore.Query{
		Symbol:   "BTCUSDT",
		Statuses: []schema.OrderStatus{schema.OrderStatusNew, " ", schema.OrderStatusPartiallyFilled},
		Limit:    5000,
	})
	require.True(t, strings.Contains(sqlText, "symbol = $1"))
	require.True(t, strings.Contains(sqlText, "status = ANY($2)"))
	require.True(t, strings.Contains(sqlText, "LIMIT $3"))
	require.Equal(t, []any{"BTCUSDT", []string{"New", "PartiallyFilled"}, maxOrderLimit}, args)

	sqlText, args = buildListQuery(orderstore.Query{})
	require.True(t, strings.Contains(sqlText, "LIMIT $1"))
	require.Equal(t, []any{defaultOrderLimit}, args)
}

func TestTrimDecimal(t *testing.T) {
	require.Equal(t, "0.5", trimDecimal("0.500000000000000000"))
	require.Equal(t, "1", trimDecimal("1.000000000000000000"))
	require.Equal(t, "abc", trimDecimal("abc"))
}
