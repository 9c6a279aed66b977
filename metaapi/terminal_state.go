package metaapi

import (
	"context"
	"math"
	"sync"
	"time"
)

// tombstoneTTL is how long a deleted position/order id suppresses stale
// replays before the tombstone is evicted.
const tombstoneTTL = 5 * time.Minute

// defaultPriceWaitTimeout bounds WaitForPrice when no timeout is given.
const defaultPriceWaitTimeout = 30 * time.Second

// instanceState is the projection of one server-side replica's event
// stream. The combined state reuses the same shape.
type instanceState struct {
	connected            bool
	connectedToBroker    bool
	accountInformation   *AccountInformation
	positions            map[string]*Position
	orders               map[string]*Order
	specifications       map[string]*SymbolSpecification
	prices               map[string]*SymbolPrice
	completedOrders      map[string]time.Time
	removedPositions     map[string]time.Time
	positionsInitialized bool
	ordersInitialized    bool
	lastUpdateTime       time.Time
}

func newInstanceState() *instanceState {
	return &instanceState{
		positions:        make(map[string]*Position),
		orders:           make(map[string]*Order),
		specifications:   make(map[string]*SymbolSpecification),
		prices:           make(map[string]*SymbolPrice),
		completedOrders:  make(map[string]time.Time),
		removedPositions: make(map[string]time.Time),
	}
}

// TerminalState is the in-memory mirror of the remote terminal. It consumes
// synchronization events per replica and promotes a replica's view into the
// combined, caller-visible state whenever that replica completes a pending
// orders synchronization.
//
// After a promotion the promoted replica stays authoritative: its further
// updates keep flowing into the combined view until another replica is
// promoted. Last promotion wins.
type TerminalState struct {
	BaseSynchronizationListener

	mu           sync.RWMutex
	instances    map[string]*instanceState
	combined     *instanceState
	promotedFrom string
	waiters      map[string][]chan *SymbolPrice

	// now is swapped in tests to drive tombstone expiry.
	now func() time.Time
}

// NewTerminalState creates an empty mirror.
func NewTerminalState() *TerminalState {
	return &TerminalState{
		instances: make(map[string]*instanceState),
		combined:  newInstanceState(),
		waiters:   make(map[string][]chan *SymbolPrice),
		now:       time.Now,
	}
}

// state returns the per-instance projection, creating it on the first
// packet from that instance.
func (t *TerminalState) state(instanceIndex string) *instanceState {
	s, ok := t.instances[instanceIndex]
	if !ok {
		s = newInstanceState()
		t.instances[instanceIndex] = s
	}
	return s
}

// forEachTarget runs fn on the instance state and, when the instance is the
// promoted one, on the combined state as well.
func (t *TerminalState) forEachTarget(instanceIndex string, fn func(s *instanceState)) {
	fn(t.state(instanceIndex))
	if t.promotedFrom == instanceIndex {
		fn(t.combined)
	}
}

// Connected reports whether any replica holds an authenticated connection.
func (t *TerminalState) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.instances {
		if s.connected {
			return true
		}
	}
	return false
}

// ConnectedToBroker reports whether any replica's terminal is connected to
// the broker.
func (t *TerminalState) ConnectedToBroker() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.instances {
		if s.connectedToBroker {
			return true
		}
	}
	return false
}

// AccountInformation returns the promoted account snapshot, or nil before
// the first promotion.
func (t *TerminalState) AccountInformation() *AccountInformation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.combined.accountInformation == nil {
		return nil
	}
	info := *t.combined.accountInformation
	return &info
}

// Positions returns the promoted open positions.
func (t *TerminalState) Positions() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, 0, len(t.combined.positions))
	for _, p := range t.combined.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns one promoted position by id, or nil.
func (t *TerminalState) Position(id string) *Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.combined.positions[id]; ok {
		clone := *p
		return &clone
	}
	return nil
}

// Orders returns the promoted pending orders.
func (t *TerminalState) Orders() []Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Order, 0, len(t.combined.orders))
	for _, o := range t.combined.orders {
		out = append(out, *o)
	}
	return out
}

// Order returns one promoted pending order by id, or nil.
func (t *TerminalState) Order(id string) *Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if o, ok := t.combined.orders[id]; ok {
		clone := *o
		return &clone
	}
	return nil
}

// Specification returns the promoted symbol specification, or nil.
func (t *TerminalState) Specification(symbol string) *SymbolSpecification {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.combined.specifications[symbol]; ok {
		clone := *s
		return &clone
	}
	return nil
}

// Price returns the newest promoted quote for a symbol, or nil.
func (t *TerminalState) Price(symbol string) *SymbolPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.combined.prices[symbol]; ok {
		clone := *p
		return &clone
	}
	return nil
}

// LastUpdateTime returns the newest quote time seen by the promoted view.
func (t *TerminalState) LastUpdateTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.combined.lastUpdateTime
}

// WaitForPrice blocks until a quote for symbol arrives on any replica, an
// already-known quote exists, or the timeout elapses. A zero timeout means
// the 30 second default. Returns nil on timeout rather than an error.
func (t *TerminalState) WaitForPrice(ctx context.Context, symbol string, timeout time.Duration) *SymbolPrice {
	if timeout == 0 {
		timeout = defaultPriceWaitTimeout
	}

	t.mu.Lock()
	if p, ok := t.combined.prices[symbol]; ok {
		clone := *p
		t.mu.Unlock()
		return &clone
	}
	for _, s := range t.instances {
		if p, ok := s.prices[symbol]; ok {
			clone := *p
			t.mu.Unlock()
			return &clone
		}
	}
	ch := make(chan *SymbolPrice, 1)
	t.waiters[symbol] = append(t.waiters[symbol], ch)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// OnConnected marks the replica's connection as authenticated.
func (t *TerminalState) OnConnected(instanceIndex string, _ int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(instanceIndex).connected = true
	return nil
}

// OnDisconnected drops both connectivity flags of the replica.
func (t *TerminalState) OnDisconnected(instanceIndex string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(instanceIndex)
	s.connected = false
	s.connectedToBroker = false
	return nil
}

// OnBrokerConnectionStatusChanged tracks terminal-to-broker connectivity.
func (t *TerminalState) OnBrokerConnectionStatusChanged(instanceIndex string, connected bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(instanceIndex).connectedToBroker = connected
	return nil
}

// OnSynchronizationStarted resets the parts of the replica state the server
// is about to re-send.
func (t *TerminalState) OnSynchronizationStarted(instanceIndex string, specificationsUpdated, positionsUpdated, ordersUpdated bool, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(instanceIndex)
	s.accountInformation = nil
	s.prices = make(map[string]*SymbolPrice)
	if positionsUpdated {
		s.positions = make(map[string]*Position)
		s.removedPositions = make(map[string]time.Time)
		s.positionsInitialized = false
	}
	if ordersUpdated {
		s.orders = make(map[string]*Order)
		s.completedOrders = make(map[string]time.Time)
		s.ordersInitialized = false
	}
	if specificationsUpdated {
		s.specifications = make(map[string]*SymbolSpecification)
	}
	return nil
}

// OnAccountInformationUpdated replaces the account snapshot.
func (t *TerminalState) OnAccountInformationUpdated(instanceIndex string, information *AccountInformation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		if information == nil {
			s.accountInformation = nil
			return
		}
		clone := *information
		s.accountInformation = &clone
	})
	return nil
}

// OnPositionsReplaced replaces the whole position set.
func (t *TerminalState) OnPositionsReplaced(instanceIndex string, positions []Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		s.positions = make(map[string]*Position, len(positions))
		for i := range positions {
			p := positions[i]
			s.positions[p.ID] = &p
		}
	})
	return nil
}

// OnPositionsSynchronized clears position tombstones and marks positions as
// initialized.
func (t *TerminalState) OnPositionsSynchronized(instanceIndex string, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(instanceIndex)
	s.removedPositions = make(map[string]time.Time)
	s.positionsInitialized = true
	return nil
}

// OnPositionUpdated upserts one position unless its id carries a tombstone,
// which protects against stale replays across reconnects.
func (t *TerminalState) OnPositionUpdated(instanceIndex string, position *Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		if _, removed := s.removedPositions[position.ID]; removed {
			return
		}
		clone := *position
		s.positions[position.ID] = &clone
	})
	return nil
}

// OnPositionRemoved deletes a known position; for an unknown id it records
// a tombstone so a stale update cannot re-insert it.
func (t *TerminalState) OnPositionRemoved(instanceIndex string, positionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		if _, ok := s.positions[positionID]; ok {
			delete(s.positions, positionID)
			return
		}
		s.removedPositions[positionID] = now
		evictExpired(s.removedPositions, now)
	})
	return nil
}

// OnPendingOrdersReplaced replaces the whole pending order set.
func (t *TerminalState) OnPendingOrdersReplaced(instanceIndex string, orders []Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		s.orders = make(map[string]*Order, len(orders))
		for i := range orders {
			o := orders[i]
			s.orders[o.ID] = &o
		}
	})
	return nil
}

// OnPendingOrderUpdated upserts one pending order unless its id carries a
// tombstone.
func (t *TerminalState) OnPendingOrderUpdated(instanceIndex string, order *Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		if _, completed := s.completedOrders[order.ID]; completed {
			return
		}
		clone := *order
		s.orders[order.ID] = &clone
	})
	return nil
}

// OnPendingOrderCompleted deletes a known order; for an unknown id it
// records a tombstone.
func (t *TerminalState) OnPendingOrderCompleted(instanceIndex string, orderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		if _, ok := s.orders[orderID]; ok {
			delete(s.orders, orderID)
			return
		}
		s.completedOrders[orderID] = now
		evictExpired(s.completedOrders, now)
	})
	return nil
}

// OnPendingOrdersSynchronized completes the replica's synchronization round
// and promotes its view into the combined state. This is the only promotion
// path: the combined view always mirrors exactly one replica.
func (t *TerminalState) OnPendingOrdersSynchronized(instanceIndex string, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(instanceIndex)
	s.completedOrders = make(map[string]time.Time)
	s.positionsInitialized = true
	s.ordersInitialized = true
	t.combined = cloneState(s)
	t.promotedFrom = instanceIndex
	return nil
}

// OnSymbolSpecificationsUpdated upserts and removes instrument
// specifications.
func (t *TerminalState) OnSymbolSpecificationsUpdated(instanceIndex string, specifications []SymbolSpecification, removedSymbols []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		for i := range specifications {
			spec := specifications[i]
			s.specifications[spec.Symbol] = &spec
		}
		for _, symbol := range removedSymbols {
			delete(s.specifications, symbol)
		}
	})
	return nil
}

// OnSymbolPricesUpdated applies a quote batch: refreshes prices, recomputes
// the P&L of affected positions, repoints pending order prices, derives
// equity when the full position set is priced, and wakes price waiters.
func (t *TerminalState) OnSymbolPricesUpdated(instanceIndex string, prices []SymbolPrice, margin *MarginLevels) error {
	t.mu.Lock()
	t.forEachTarget(instanceIndex, func(s *instanceState) {
		s.applyPrices(prices, margin)
	})
	var wake []chan *SymbolPrice
	var values []*SymbolPrice
	for i := range prices {
		p := prices[i]
		for _, ch := range t.waiters[p.Symbol] {
			clone := p
			wake = append(wake, ch)
			values = append(values, &clone)
		}
		delete(t.waiters, p.Symbol)
	}
	t.mu.Unlock()
	for i, ch := range wake {
		ch <- values[i]
	}
	return nil
}

// OnStreamClosed discards the replica's state.
func (t *TerminalState) OnStreamClosed(instanceIndex string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, instanceIndex)
	return nil
}

// applyPrices is the recomputation hot path of one state.
func (s *instanceState) applyPrices(prices []SymbolPrice, margin *MarginLevels) {
	for i := range prices {
		price := prices[i]
		s.prices[price.Symbol] = &price
		if price.Time.After(s.lastUpdateTime) {
			s.lastUpdateTime = price.Time
		}

		for _, position := range s.positions {
			if position.Symbol != price.Symbol {
				continue
			}
			spec, ok := s.specifications[position.Symbol]
			if !ok {
				// Without the specification the tick only refreshes the
				// price table.
				continue
			}
			var newPrice, sign float64
			if position.Type == PositionTypeBuy {
				newPrice, sign = price.Bid, 1
			} else {
				newPrice, sign = price.Ask, -1
			}
			delta := sign * (newPrice - position.OpenPrice)
			tickValue := price.LossTickValue
			if delta > 0 {
				tickValue = price.ProfitTickValue
			}
			unrealized := roundTo(delta*tickValue*position.Volume/spec.TickSize, spec.Digits)
			position.UnrealizedProfit = unrealized
			position.Profit = roundTo(unrealized+position.RealizedProfit, spec.Digits)
			position.CurrentPrice = newPrice
			position.CurrentTickValue = tickValue
		}

		for _, order := range s.orders {
			if order.Symbol != price.Symbol {
				continue
			}
			if order.IsBuyVariant() {
				order.CurrentPrice = price.Ask
			} else {
				order.CurrentPrice = price.Bid
			}
		}
	}

	pricesInitialized := true
	for _, position := range s.positions {
		if _, ok := s.prices[position.Symbol]; !ok {
			pricesInitialized = false
			break
		}
	}

	if s.accountInformation != nil {
		if s.positionsInitialized && pricesInitialized {
			equity := s.accountInformation.Balance
			for _, position := range s.positions {
				equity += roundTo(position.UnrealizedProfit, 2) + roundTo(position.Swap, 2)
				if s.accountInformation.Platform == PlatformMT4 {
					equity += roundTo(position.Commission, 2)
				}
			}
			s.accountInformation.Equity = equity
		} else if margin != nil && margin.Equity != nil {
			s.accountInformation.Equity = *margin.Equity
		}
		if margin != nil {
			if margin.Margin != nil {
				s.accountInformation.Margin = *margin.Margin
			}
			if margin.FreeMargin != nil {
				s.accountInformation.FreeMargin = *margin.FreeMargin
			}
			if margin.MarginLevel != nil {
				s.accountInformation.MarginLevel = *margin.MarginLevel
			}
		}
	}
}

func evictExpired(tombstones map[string]time.Time, now time.Time) {
	for id, created := range tombstones {
		if now.Sub(created) > tombstoneTTL {
			delete(tombstones, id)
		}
	}
}

func roundTo(value float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(value*p) / p
}

func cloneState(s *instanceState) *instanceState {
	out := newInstanceState()
	out.connected = s.connected
	out.connectedToBroker = s.connectedToBroker
	if s.accountInformation != nil {
		info := *s.accountInformation
		out.accountInformation = &info
	}
	for id, p := range s.positions {
		clone := *p
		out.positions[id] = &clone
	}
	for id, o := range s.orders {
		clone := *o
		out.orders[id] = &clone
	}
	for symbol, spec := range s.specifications {
		clone := *spec
		out.specifications[symbol] = &clone
	}
	for symbol, price := range s.prices {
		clone := *price
		out.prices[symbol] = &clone
	}
	out.positionsInitialized = s.positionsInitialized
	out.ordersInitialized = s.ordersInitialized
	out.lastUpdateTime = s.lastUpdateTime
	return out
}
