package metaapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHistoryStorageDeduplicatesReplays(t *testing.T) {
	storage := NewMemoryHistoryStorage()
	done := time.Date(2020, 4, 15, 2, 45, 6, 0, time.UTC)

	order := &Order{ID: "1", Type: OrderTypeBuy, Symbol: "EURUSD", Time: done.Add(-time.Second), DoneTime: &done}
	require.NoError(t, storage.OnHistoryOrderAdded("0", order))
	require.NoError(t, storage.OnHistoryOrderAdded("0", order))
	require.NoError(t, storage.OnHistoryOrderAdded("0:ps-mpa-1", order))

	assert.Len(t, storage.HistoryOrders(), 1)

	deal := &Deal{ID: "2", Type: "DEAL_TYPE_BUY", Symbol: "EURUSD", Time: done, Profit: 10}
	require.NoError(t, storage.OnDealAdded("0", deal))
	require.NoError(t, storage.OnDealAdded("0", deal))
	assert.Len(t, storage.Deals(), 1)
}

func TestMemoryHistoryStorageLastTimes(t *testing.T) {
	storage := NewMemoryHistoryStorage()
	early := time.Date(2020, 4, 15, 2, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	require.NoError(t, storage.OnDealAdded("0", &Deal{ID: "1", Type: "DEAL_TYPE_BUY", Time: late}))
	require.NoError(t, storage.OnDealAdded("0", &Deal{ID: "2", Type: "DEAL_TYPE_SELL", Time: early}))
	assert.True(t, storage.LastDealTime().Equal(late))

	require.NoError(t, storage.OnHistoryOrderAdded("0", &Order{ID: "3", Type: OrderTypeBuy, Time: early, DoneTime: &early}))
	require.NoError(t, storage.OnHistoryOrderAdded("0", &Order{ID: "4", Type: OrderTypeSell, Time: late, DoneTime: &late}))
	assert.True(t, storage.LastHistoryOrderTime().Equal(late))

	// Deals come back sorted by time.
	deals := storage.Deals()
	require.Len(t, deals, 2)
	assert.Equal(t, "2", deals[0].ID)
	assert.Equal(t, "1", deals[1].ID)

	storage.Clear()
	assert.Empty(t, storage.Deals())
	assert.Empty(t, storage.HistoryOrders())
	assert.True(t, storage.LastDealTime().IsZero())
}
