package metaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sdkerrors "github.com/metaapi-cloud/metaapi-go/errors"
)

// Per-instance connection statuses.
const (
	StatusCreated       = "CREATED"
	StatusSubscribed    = "SUBSCRIBED"
	StatusSynchronizing = "SYNCHRONIZING"
	StatusSynchronized  = "SYNCHRONIZED"
	StatusDisconnected  = "DISCONNECTED"
	StatusClosed        = "CLOSED"
)

const (
	synchronizationRetryMin  = 1 * time.Second
	synchronizationRetryMax  = 300 * time.Second
	defaultSyncWaitTimeout   = 300 * time.Second
	defaultSyncPollInterval  = 1 * time.Second
	defaultMarketDataTimeout = 30 * time.Second
)

// SynchronizationOptions tune WaitSynchronized.
type SynchronizationOptions struct {
	// ApplicationPattern is carried for callers running several
	// applications against one account; WaitSynchronized does not filter
	// on it.
	ApplicationPattern string
	// SynchronizationID names a synchronization round; WaitSynchronized
	// does not check it and waits on the replica's synchronized flag only.
	SynchronizationID string
	// InstanceIndex restricts the wait to one replica; empty means any.
	InstanceIndex string
	// Timeout defaults to 300s.
	Timeout time.Duration
	// PollInterval defaults to 1s.
	PollInterval time.Duration
}

// StreamingConnection orchestrates one logical session per account across
// its server-side replicas: it routes inbound packets to synchronization
// listeners, drives initial and incremental synchronization with content
// hashes, and arbitrates between replicas via per-instance ownership keys.
type StreamingConnection struct {
	client         *SocketClient
	accountID      string
	accountType    string
	terminalState  *TerminalState
	historyStorage HistoryStorage
	healthMonitor  *ConnectionHealthMonitor

	mu                sync.Mutex
	opened            bool
	closed            bool
	listeners         []SynchronizationListener
	status            map[string]string
	synchronized      map[string]bool
	shouldSynchronize map[string]string
	subscriptions     map[string][]MarketDataSubscription
}

// NewStreamingConnection builds a connection for one account. A nil
// historyStorage gets an in-memory one. Call Connect to start.
func NewStreamingConnection(client *SocketClient, accountID, accountType string, historyStorage HistoryStorage) *StreamingConnection {
	if historyStorage == nil {
		historyStorage = NewMemoryHistoryStorage()
	}
	c := &StreamingConnection{
		client:            client,
		accountID:         accountID,
		accountType:       accountType,
		terminalState:     NewTerminalState(),
		historyStorage:    historyStorage,
		status:            make(map[string]string),
		synchronized:      make(map[string]bool),
		shouldSynchronize: make(map[string]string),
		subscriptions:     make(map[string][]MarketDataSubscription),
	}
	c.healthMonitor = NewConnectionHealthMonitor(c)
	c.listeners = []SynchronizationListener{c.terminalState, historyStorage, c.healthMonitor}
	return c
}

// AccountID returns the account this connection serves.
func (c *StreamingConnection) AccountID() string { return c.accountID }

// TerminalState returns the in-memory mirror fed by this connection.
func (c *StreamingConnection) TerminalState() *TerminalState { return c.terminalState }

// HistoryStorage returns the deal/order history sink.
func (c *StreamingConnection) HistoryStorage() HistoryStorage { return c.historyStorage }

// HealthMonitor returns the connection health monitor.
func (c *StreamingConnection) HealthMonitor() *ConnectionHealthMonitor { return c.healthMonitor }

// AddSynchronizationListener registers a user listener behind the built-in
// ones.
func (c *StreamingConnection) AddSynchronizationListener(listener SynchronizationListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveSynchronizationListener removes a previously added listener.
func (c *StreamingConnection) RemoveSynchronizationListener(listener SynchronizationListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.listeners[:0]
	for _, l := range c.listeners {
		if l != listener {
			kept = append(kept, l)
		}
	}
	c.listeners = kept
}

// Connect installs the account's packet listener on the transport, opens
// the channel and subscribes the account. Subsequent calls are no-ops.
func (c *StreamingConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sdkerrors.ErrConnectionClosed
	}
	if c.opened {
		c.mu.Unlock()
		return nil
	}
	c.opened = true
	c.mu.Unlock()

	c.client.AddPacketListener(c.accountID, c)
	if err := c.client.Connect(ctx); err != nil {
		return err
	}
	return c.Subscribe(ctx)
}

// Subscribe asks the server routing layer to add this client to the
// account's replica set.
func (c *StreamingConnection) Subscribe(ctx context.Context) error {
	_, err := c.client.Request(ctx, c.accountID, map[string]interface{}{
		"type": "subscribe",
	})
	return err
}

// Close tears the session down: the packet listener is removed, every
// replica stream is reported closed and the health monitor stops.
func (c *StreamingConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	instances := make([]string, 0, len(c.status))
	for instance := range c.status {
		c.status[instance] = StatusClosed
		instances = append(instances, instance)
	}
	c.shouldSynchronize = make(map[string]string)
	c.mu.Unlock()

	c.client.RemovePacketListener(c.accountID, c)
	for _, instance := range instances {
		c.invoke(func(l SynchronizationListener) error { return l.OnStreamClosed(instance) })
	}
	c.healthMonitor.Stop()
}

// Status returns the connection status of one replica.
func (c *StreamingConnection) Status(instanceIndex string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.status[instanceIndex]; ok {
		return s
	}
	return StatusCreated
}

// IsSynchronized reports whether the given replica (or, with an empty
// index, any replica) has completed synchronization.
func (c *StreamingConnection) IsSynchronized(instanceIndex string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instanceIndex != "" {
		return c.synchronized[instanceIndex]
	}
	for _, ok := range c.synchronized {
		if ok {
			return true
		}
	}
	return false
}

// WaitSynchronized polls IsSynchronized until the chosen replica reports
// synchronized or the timeout elapses.
func (c *StreamingConnection) WaitSynchronized(ctx context.Context, opts SynchronizationOptions) error {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultSyncWaitTimeout
	}
	interval := opts.PollInterval
	if interval == 0 {
		interval = defaultSyncPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		if c.IsSynchronized(opts.InstanceIndex) {
			return nil
		}
		if time.Now().After(deadline) {
			return &sdkerrors.TimeoutError{
				Message: fmt.Sprintf("account %s was not synchronized within %s", c.accountID, timeout),
			}
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Synchronize requests a synchronization round for one replica, sending
// the local content hashes so the server can resume without re-sending
// unchanged collections.
func (c *StreamingConnection) Synchronize(ctx context.Context, instanceIndex string) error {
	idx, host := splitInstance(instanceIndex)
	hashes := c.terminalState.GetHashes(c.accountType, instanceIndex)
	payload := map[string]interface{}{
		"type":          "synchronize",
		"requestId":     randomRequestID(),
		"instanceIndex": idx,
	}
	if host != "" {
		payload["host"] = host
	}
	if hashes.SpecificationsMD5 != "" {
		payload["specificationsMd5"] = hashes.SpecificationsMD5
	}
	if hashes.PositionsMD5 != "" {
		payload["positionsMd5"] = hashes.PositionsMD5
	}
	if hashes.OrdersMD5 != "" {
		payload["ordersMd5"] = hashes.OrdersMD5
	}
	if _, err := c.client.Request(ctx, c.accountID, payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.synchronized[instanceIndex] = true
	c.status[instanceIndex] = StatusSynchronized
	c.mu.Unlock()
	return nil
}

// SubscribeToMarketData records the subscription, issues the request and
// waits for the first quote of the symbol. A zero timeout means the 30
// second default; nil is returned when no quote arrived in time.
func (c *StreamingConnection) SubscribeToMarketData(ctx context.Context, symbol string, subscriptions []MarketDataSubscription, instanceIndex string, timeout time.Duration) (*SymbolPrice, error) {
	if timeout == 0 {
		timeout = defaultMarketDataTimeout
	}
	c.mu.Lock()
	c.subscriptions[symbol] = append([]MarketDataSubscription(nil), subscriptions...)
	c.mu.Unlock()

	idx, host := splitInstance(instanceIndex)
	payload := map[string]interface{}{
		"type":          "subscribeToMarketData",
		"symbol":        symbol,
		"instanceIndex": idx,
	}
	if host != "" {
		payload["host"] = host
	}
	if len(subscriptions) > 0 {
		payload["subscriptions"] = subscriptions
	}
	if _, err := c.client.Request(ctx, c.accountID, payload); err != nil {
		return nil, err
	}
	return c.terminalState.WaitForPrice(ctx, symbol, timeout), nil
}

// UnsubscribeFromMarketData drops the local subscription and informs the
// server.
func (c *StreamingConnection) UnsubscribeFromMarketData(ctx context.Context, symbol string, instanceIndex string) error {
	c.mu.Lock()
	delete(c.subscriptions, symbol)
	c.mu.Unlock()

	idx, host := splitInstance(instanceIndex)
	payload := map[string]interface{}{
		"type":          "unsubscribeFromMarketData",
		"symbol":        symbol,
		"instanceIndex": idx,
	}
	if host != "" {
		payload["host"] = host
	}
	_, err := c.client.Request(ctx, c.accountID, payload)
	return err
}

// subscriptionCount reports how many symbols carry an active market data
// subscription.
func (c *StreamingConnection) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

// Subscriptions returns the currently requested market data streams for a
// symbol.
func (c *StreamingConnection) Subscriptions(symbol string) []MarketDataSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MarketDataSubscription(nil), c.subscriptions[symbol]...)
}

// RemoveHistory asks the server to delete the account's history. No local
// state is touched.
func (c *StreamingConnection) RemoveHistory(ctx context.Context, application string) error {
	payload := map[string]interface{}{"type": "removeHistory"}
	if application != "" {
		payload["application"] = application
	}
	_, err := c.client.Request(ctx, c.accountID, payload)
	return err
}

// RemoveApplication asks the server to delete this application's data. No
// local state is touched.
func (c *StreamingConnection) RemoveApplication(ctx context.Context) error {
	_, err := c.client.Request(ctx, c.accountID, map[string]interface{}{
		"type": "removeApplication",
	})
	return err
}

// SaveUptime reports client-side uptime observations to the server.
func (c *StreamingConnection) SaveUptime(ctx context.Context, uptime map[string]float64) error {
	_, err := c.client.Request(ctx, c.accountID, map[string]interface{}{
		"type":   "saveUptime",
		"uptime": uptime,
	})
	return err
}

// HandlePacket translates wire events into listener callbacks. It runs on
// the transport's dispatch goroutine, so packets of one account are applied
// strictly in on-wire order.
func (c *StreamingConnection) HandlePacket(packet *Packet) error {
	instance := packet.InstanceID()
	switch packet.Type {
	case "authenticated":
		var body struct {
			Replicas int `json:"replicas"`
		}
		_ = json.Unmarshal(packet.Raw, &body)
		if body.Replicas == 0 {
			body.Replicas = 1
		}
		c.setStatus(instance, StatusSubscribed)
		c.invoke(func(l SynchronizationListener) error { return l.OnConnected(instance, body.Replicas) })
		c.scheduleSynchronize(instance)

	case "disconnected":
		c.mu.Lock()
		c.status[instance] = StatusDisconnected
		c.synchronized[instance] = false
		delete(c.shouldSynchronize, instance)
		c.mu.Unlock()
		c.invoke(func(l SynchronizationListener) error { return l.OnDisconnected(instance) })

	case "synchronizationStarted":
		var body struct {
			SpecificationsUpdated *bool `json:"specificationsUpdated"`
			PositionsUpdated      *bool `json:"positionsUpdated"`
			OrdersUpdated         *bool `json:"ordersUpdated"`
		}
		_ = json.Unmarshal(packet.Raw, &body)
		c.setStatus(instance, StatusSynchronizing)
		c.invoke(func(l SynchronizationListener) error {
			return l.OnSynchronizationStarted(instance,
				boolOrTrue(body.SpecificationsUpdated),
				boolOrTrue(body.PositionsUpdated),
				boolOrTrue(body.OrdersUpdated),
				packet.SynchronizationID)
		})

	case "accountInformation":
		var body struct {
			AccountInformation *AccountInformation `json:"accountInformation"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		if body.AccountInformation != nil {
			c.invoke(func(l SynchronizationListener) error {
				return l.OnAccountInformationUpdated(instance, body.AccountInformation)
			})
		}

	case "positions":
		var body struct {
			Positions []Position `json:"positions"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		c.invoke(func(l SynchronizationListener) error { return l.OnPositionsReplaced(instance, body.Positions) })
		c.invoke(func(l SynchronizationListener) error {
			return l.OnPositionsSynchronized(instance, packet.SynchronizationID)
		})

	case "orders":
		var body struct {
			Orders []Order `json:"orders"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		c.invoke(func(l SynchronizationListener) error { return l.OnPendingOrdersReplaced(instance, body.Orders) })
		c.invoke(func(l SynchronizationListener) error {
			return l.OnPendingOrdersSynchronized(instance, packet.SynchronizationID)
		})

	case "specifications":
		var body struct {
			Specifications []SymbolSpecification `json:"specifications"`
			RemovedSymbols []string              `json:"removedSymbols"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		c.invoke(func(l SynchronizationListener) error {
			return l.OnSymbolSpecificationsUpdated(instance, body.Specifications, body.RemovedSymbols)
		})

	case "update":
		return c.handleUpdate(instance, packet)

	case "prices":
		var body struct {
			Prices      []SymbolPrice `json:"prices"`
			Equity      *float64      `json:"equity"`
			Margin      *float64      `json:"margin"`
			FreeMargin  *float64      `json:"freeMargin"`
			MarginLevel *float64      `json:"marginLevel"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		margin := &MarginLevels{Equity: body.Equity, Margin: body.Margin, FreeMargin: body.FreeMargin, MarginLevel: body.MarginLevel}
		c.invoke(func(l SynchronizationListener) error {
			return l.OnSymbolPricesUpdated(instance, body.Prices, margin)
		})

	case "dealSynchronizationFinished":
		c.mu.Lock()
		c.synchronized[instance] = true
		c.status[instance] = StatusSynchronized
		c.mu.Unlock()
		c.invoke(func(l SynchronizationListener) error {
			return l.OnDealsSynchronized(instance, packet.SynchronizationID)
		})

	case "orderSynchronizationFinished":
		c.invoke(func(l SynchronizationListener) error {
			return l.OnHistoryOrdersSynchronized(instance, packet.SynchronizationID)
		})

	case "healthStatus":
		var body struct {
			HealthStatus *HealthStatus `json:"healthStatus"`
			Connected    *bool         `json:"connected"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		if body.Connected != nil {
			c.invoke(func(l SynchronizationListener) error {
				return l.OnBrokerConnectionStatusChanged(instance, *body.Connected)
			})
		}
		if body.HealthStatus != nil {
			c.invoke(func(l SynchronizationListener) error { return l.OnHealthStatus(instance, body.HealthStatus) })
		}

	case "downgradeSubscription":
		var body struct {
			Symbol          string                   `json:"symbol"`
			Updates         []MarketDataSubscription `json:"updates"`
			Unsubscriptions []MarketDataSubscription `json:"unsubscriptions"`
		}
		if err := json.Unmarshal(packet.Raw, &body); err != nil {
			return err
		}
		c.applyDowngrade(body.Symbol, body.Updates, body.Unsubscriptions)
		c.invoke(func(l SynchronizationListener) error {
			return l.OnSubscriptionDowngraded(instance, body.Symbol, body.Updates, body.Unsubscriptions)
		})

	default:
		log.WithField("type", packet.Type).Debug("ignoring unknown packet type")
	}
	return nil
}

func (c *StreamingConnection) handleUpdate(instance string, packet *Packet) error {
	var body struct {
		AccountInformation *AccountInformation   `json:"accountInformation"`
		UpdatedPositions   []Position            `json:"updatedPositions"`
		RemovedPositionIDs []string              `json:"removedPositionIds"`
		UpdatedOrders      []Order               `json:"updatedOrders"`
		CompletedOrderIDs  []string              `json:"completedOrderIds"`
		Specifications     []SymbolSpecification `json:"specifications"`
		RemovedSymbols     []string              `json:"removedSymbols"`
		HistoryOrders      []Order               `json:"historyOrders"`
		Deals              []Deal                `json:"deals"`
	}
	if err := json.Unmarshal(packet.Raw, &body); err != nil {
		return err
	}
	if body.AccountInformation != nil {
		c.invoke(func(l SynchronizationListener) error {
			return l.OnAccountInformationUpdated(instance, body.AccountInformation)
		})
	}
	for i := range body.UpdatedPositions {
		position := body.UpdatedPositions[i]
		c.invoke(func(l SynchronizationListener) error { return l.OnPositionUpdated(instance, &position) })
	}
	for _, id := range body.RemovedPositionIDs {
		id := id
		c.invoke(func(l SynchronizationListener) error { return l.OnPositionRemoved(instance, id) })
	}
	for i := range body.UpdatedOrders {
		order := body.UpdatedOrders[i]
		c.invoke(func(l SynchronizationListener) error { return l.OnPendingOrderUpdated(instance, &order) })
	}
	for _, id := range body.CompletedOrderIDs {
		id := id
		c.invoke(func(l SynchronizationListener) error { return l.OnPendingOrderCompleted(instance, id) })
	}
	if len(body.Specifications) > 0 || len(body.RemovedSymbols) > 0 {
		c.invoke(func(l SynchronizationListener) error {
			return l.OnSymbolSpecificationsUpdated(instance, body.Specifications, body.RemovedSymbols)
		})
	}
	for i := range body.HistoryOrders {
		order := body.HistoryOrders[i]
		c.invoke(func(l SynchronizationListener) error { return l.OnHistoryOrderAdded(instance, &order) })
	}
	for i := range body.Deals {
		deal := body.Deals[i]
		c.invoke(func(l SynchronizationListener) error { return l.OnDealAdded(instance, &deal) })
	}
	return nil
}

func (c *StreamingConnection) applyDowngrade(symbol string, updates, unsubscriptions []MarketDataSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(updates) > 0 {
		c.subscriptions[symbol] = append([]MarketDataSubscription(nil), updates...)
		return
	}
	if len(unsubscriptions) > 0 {
		dropped := make(map[string]bool, len(unsubscriptions))
		for _, u := range unsubscriptions {
			dropped[u.Type] = true
		}
		kept := c.subscriptions[symbol][:0]
		for _, s := range c.subscriptions[symbol] {
			if !dropped[s.Type] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(c.subscriptions, symbol)
		} else {
			c.subscriptions[symbol] = kept
		}
	}
}

// invoke fans one event out to the listeners sequentially. A listener
// error is logged; the stream keeps flowing.
func (c *StreamingConnection) invoke(fn func(SynchronizationListener) error) {
	c.mu.Lock()
	listeners := append([]SynchronizationListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		if err := fn(l); err != nil {
			log.WithField("account", c.accountID).Errorf("synchronization listener failed: %v", err)
		}
	}
}

func (c *StreamingConnection) setStatus(instance, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[instance] = status
}

// scheduleSynchronize starts a synchronization retry loop for one replica.
// The loop owns the replica only while its key is the newest one: a later
// authentication of the same replica issues a new key and the stale loop
// stops at its next check.
func (c *StreamingConnection) scheduleSynchronize(instance string) {
	key := randomRequestID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.shouldSynchronize[instance] = key
	c.synchronized[instance] = false
	c.mu.Unlock()
	go c.synchronizeLoop(instance, key)
}

func (c *StreamingConnection) synchronizeLoop(instance, key string) {
	interval := synchronizationRetryMin
	for c.owns(instance, key) {
		err := c.Synchronize(context.Background(), instance)
		if err == nil {
			// Successful ack; the next loop, if any, starts over at the
			// minimum interval.
			return
		}
		log.WithFields(map[string]interface{}{
			"account":  c.accountID,
			"instance": instance,
		}).Warnf("synchronization failed, retrying in %s: %v", interval, err)
		time.Sleep(interval)
		interval *= 2
		if interval > synchronizationRetryMax {
			interval = synchronizationRetryMax
		}
	}
}

func (c *StreamingConnection) owns(instance, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.shouldSynchronize[instance] == key
}

func boolOrTrue(v *bool) bool {
	return v == nil || *v
}

// splitInstance parses an instance id of the form "0" or "0:ps-mpa-1" into
// its numeric index and host parts.
func splitInstance(instanceIndex string) (int, string) {
	if instanceIndex == "" {
		return 0, ""
	}
	part, host, _ := strings.Cut(instanceIndex, ":")
	idx, err := strconv.Atoi(part)
	if err != nil {
		return 0, ""
	}
	return idx, host
}
