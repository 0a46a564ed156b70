package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

func noopHandler(context.Context, schema.InboundMessage) error { return nil }

func TestRegistryActiveTopicsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	_, added, err := r.Subscribe("order", noopHandler)
	require.NoError(t, err)
	require.True(t, added)
	_, _, err = r.Subscribe("wallet", noopHandler)
	require.NoError(t, err)
	_, added, err = r.Subscribe("order", noopHandler)
	require.NoError(t, err)
	require.False(t, added, "second handler on a known topic adds nothing")
	_, _, err = r.Subscribe("execution", noopHandler)
	require.NoError(t, err)

	require.Equal(t, []schema.Topic{"order", "wallet", "execution"}, r.ActiveTopics())
	require.Len(t, r.HandlersFor("order"), 2)
	require.Empty(t, r.HandlersFor("Order"), "topics are case-sensitive")
}

func TestRegistryRejectsBlankTopicAndNilHandler(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Subscribe(" ", noopHandler)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, _, err = r.Subscribe("order", nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestRegistryUnsubscribeMarksInactiveUntilCompaction(t *testing.T) {
	r := NewRegistry()
	first, _, _ := r.Subscribe("order", noopHandler)
	second, _, _ := r.Subscribe("order", noopHandler)
	wallet, _, _ := r.Subscribe("wallet", noopHandler)

	require.False(t, r.Unsubscribe(first), "order still has an active handler")
	require.Len(t, r.HandlersFor("order"), 1)
	require.True(t, r.Unsubscribe(second))
	require.False(t, r.Unsubscribe(second), "repeated unsubscribe is ignored")
	require.Empty(t, r.HandlersFor("order"))
	require.Equal(t, []schema.Topic{"wallet"}, r.ActiveTopics())
	require.Equal(t, 3, r.Len(), "inactive entries stay until compaction")

	r.Compact()
	require.Equal(t, 1, r.Len())
	require.Equal(t, []schema.Topic{"wallet"}, r.ActiveTopics())

	_, added, _ := r.Subscribe("order", noopHandler)
	require.True(t, added)
	require.Equal(t, []schema.Topic{"wallet", "order"}, r.ActiveTopics())
	require.True(t, r.Unsubscribe(wallet))
}

func TestRegistryHandlersSnapshotInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var calls []int
	for i := 0; i < 3; i++ {
		n := i
		_, _, err := r.Subscribe("order", func(context.Context, schema.InboundMessage) error {
			calls = append(calls, n)
			return nil
		})
		require.NoError(t, err)
	}
	handlers := r.HandlersFor("order")
	_, _, _ = r.Subscribe("order", noopHandler)
	require.Len(t, handlers, 3, "snapshot is not affected by later registrations")
	for _, h := range handlers {
		require.NoError(t, h(context.Background(), schema.InboundMessage{}))
	}
	require.Equal(t, []int{0, 1, 2}, calls)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, _, err := r.Subscribe("order", noopHandler)
			if err != nil {
				return
			}
			_ = r.HandlersFor("order")
			_ = r.ActiveTopics()
			r.Unsubscribe(sub)
		}()
	}
	wg.Wait()
	require.Empty(t, r.ActiveTopics())
}
