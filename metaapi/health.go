package metaapi

import (
	"sync"
	"time"
)

// quoteFreshnessWindow is how recent the newest quote must be for the
// quote stream to count as healthy.
const quoteFreshnessWindow = time.Minute

// uptimeSampleInterval is the sampling period of the uptime accounting.
const uptimeSampleInterval = time.Minute

// uptime windows exposed by Uptime.
var uptimeWindows = map[string]time.Duration{
	"1h": time.Hour,
	"1d": 24 * time.Hour,
	"1w": 7 * 24 * time.Hour,
}

// ConnectionHealthStatus aggregates the health signals of one connection.
type ConnectionHealthStatus struct {
	Connected             bool
	ConnectedToBroker     bool
	QuoteStreamingHealthy bool
	Synchronized          bool
	Healthy               bool
}

type healthSample struct {
	at      time.Time
	healthy bool
}

// ConnectionHealthMonitor subscribes to the synchronization stream of a
// connection and scores its health: connectivity, broker connectivity,
// synchronization and quote freshness must all hold. Rolling uptime
// percentages are kept over 1h/1d/1w windows by sampling the aggregate at
// a fixed interval.
type ConnectionHealthMonitor struct {
	BaseSynchronizationListener

	connection *StreamingConnection

	mu            sync.Mutex
	lastQuoteTime time.Time
	samples       []healthSample
	stopped       bool
	done          chan struct{}

	now func() time.Time
}

// NewConnectionHealthMonitor creates a monitor for a connection and starts
// its uptime sampler.
func NewConnectionHealthMonitor(connection *StreamingConnection) *ConnectionHealthMonitor {
	m := &ConnectionHealthMonitor{
		connection: connection,
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go m.sampler()
	return m
}

// OnSymbolPricesUpdated tracks the receipt time of the newest quote.
func (m *ConnectionHealthMonitor) OnSymbolPricesUpdated(_ string, prices []SymbolPrice, _ *MarginLevels) error {
	if len(prices) == 0 {
		return nil
	}
	m.mu.Lock()
	m.lastQuoteTime = m.now()
	m.mu.Unlock()
	return nil
}

// HealthStatus returns the current aggregate health.
func (m *ConnectionHealthMonitor) HealthStatus() ConnectionHealthStatus {
	state := m.connection.TerminalState()
	status := ConnectionHealthStatus{
		Connected:             state.Connected(),
		ConnectedToBroker:     state.ConnectedToBroker(),
		Synchronized:          m.connection.IsSynchronized(""),
		QuoteStreamingHealthy: m.quoteStreamingHealthy(),
	}
	status.Healthy = status.Connected && status.ConnectedToBroker &&
		status.Synchronized && status.QuoteStreamingHealthy
	return status
}

// quoteStreamingHealthy holds while quotes keep arriving. Without any
// market data subscription there is nothing to expect, so the signal stays
// healthy.
func (m *ConnectionHealthMonitor) quoteStreamingHealthy() bool {
	if m.connection.subscriptionCount() == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastQuoteTime.IsZero() && m.now().Sub(m.lastQuoteTime) < quoteFreshnessWindow
}

// Uptime returns the rolling healthy percentage per window ("1h", "1d",
// "1w"). Windows without samples report 100.
func (m *ConnectionHealthMonitor) Uptime() map[string]float64 {
	now := m.now()
	m.mu.Lock()
	samples := append([]healthSample(nil), m.samples...)
	m.mu.Unlock()

	out := make(map[string]float64, len(uptimeWindows))
	for name, window := range uptimeWindows {
		total, healthy := 0, 0
		for _, s := range samples {
			if now.Sub(s.at) > window {
				continue
			}
			total++
			if s.healthy {
				healthy++
			}
		}
		if total == 0 {
			out[name] = 100
			continue
		}
		out[name] = float64(healthy) / float64(total) * 100
	}
	return out
}

// Stop ends the uptime sampler.
func (m *ConnectionHealthMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	close(m.done)
}

func (m *ConnectionHealthMonitor) sampler() {
	ticker := time.NewTicker(uptimeSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.recordSample(m.HealthStatus().Healthy)
		}
	}
}

// recordSample appends one uptime measurement and trims everything older
// than the widest window.
func (m *ConnectionHealthMonitor) recordSample(healthy bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, healthSample{at: now, healthy: healthy})
	cutoff := now.Add(-7 * 24 * time.Hour)
	trimmed := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			trimmed = append(trimmed, s)
		}
	}
	m.samples = trimmed
}
