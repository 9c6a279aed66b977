package metaapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthStatusAggregation(t *testing.T) {
	conn := newTestStreamingConnection(t)
	monitor := conn.HealthMonitor()

	status := monitor.HealthStatus()
	assert.False(t, status.Connected)
	assert.False(t, status.Healthy)
	// No market data subscriptions yet, so quote streaming cannot be
	// unhealthy.
	assert.True(t, status.QuoteStreamingHealthy)

	require.NoError(t, conn.HandlePacket(mustPacket(t,
		`{"type":"authenticated","accountId":"account-1","instanceIndex":0}`)))
	require.NoError(t, conn.HandlePacket(mustPacket(t,
		`{"type":"healthStatus","accountId":"account-1","instanceIndex":0,"connected":true}`)))
	require.NoError(t, conn.HandlePacket(mustPacket(t,
		`{"type":"dealSynchronizationFinished","accountId":"account-1","instanceIndex":0,"synchronizationId":"s"}`)))

	status = monitor.HealthStatus()
	assert.True(t, status.Connected)
	assert.True(t, status.ConnectedToBroker)
	assert.True(t, status.Synchronized)
	assert.True(t, status.Healthy)
}

func TestQuoteStreamingFreshness(t *testing.T) {
	conn := newTestStreamingConnection(t)
	monitor := conn.HealthMonitor()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	monitor.now = func() time.Time { return now }

	conn.mu.Lock()
	conn.subscriptions["EURUSD"] = []MarketDataSubscription{{Type: "quotes"}}
	conn.mu.Unlock()

	// Subscribed but no quote seen yet.
	assert.False(t, monitor.quoteStreamingHealthy())

	require.NoError(t, monitor.OnSymbolPricesUpdated("0", []SymbolPrice{
		{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2, Time: base},
	}, nil))
	assert.True(t, monitor.quoteStreamingHealthy())

	now = base.Add(30 * time.Second)
	assert.True(t, monitor.quoteStreamingHealthy())

	now = base.Add(2 * time.Minute)
	assert.False(t, monitor.quoteStreamingHealthy())
}

func TestUptimeAccounting(t *testing.T) {
	conn := newTestStreamingConnection(t)
	monitor := conn.HealthMonitor()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	monitor.now = func() time.Time { return now }

	// Three healthy samples within the hour, one unhealthy.
	for i := 0; i < 3; i++ {
		monitor.recordSample(true)
		now = now.Add(time.Minute)
	}
	monitor.recordSample(false)

	uptime := monitor.Uptime()
	assert.InDelta(t, 75, uptime["1h"], 1e-9)
	assert.InDelta(t, 75, uptime["1d"], 1e-9)

	// A day later the hourly window is empty again and reports 100.
	now = base.Add(25 * time.Hour)
	uptime = monitor.Uptime()
	assert.InDelta(t, 100, uptime["1h"], 1e-9)
	assert.InDelta(t, 75, uptime["1w"], 1e-9)
}

func TestUptimeSamplesTrimBeyondWidestWindow(t *testing.T) {
	conn := newTestStreamingConnection(t)
	monitor := conn.HealthMonitor()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	monitor.now = func() time.Time { return now }

	monitor.recordSample(false)
	now = base.Add(8 * 24 * time.Hour)
	monitor.recordSample(true)

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	require.Len(t, monitor.samples, 1)
	assert.True(t, monitor.samples[0].healthy)
}
