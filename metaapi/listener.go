package metaapi

// SynchronizationListener observes the synchronization event stream of one
// account. Every callback receives the instance index of the server-side
// replica that produced the event as its first argument and is invoked
// sequentially: the dispatcher waits for the returned error before moving
// to the next packet of the same account.
//
// Embed BaseSynchronizationListener and override what you need.
type SynchronizationListener interface {
	// OnConnected is invoked when a replica authenticates the account.
	// Replicas is the number of account replicas launched server-side.
	OnConnected(instanceIndex string, replicas int) error
	// OnDisconnected is invoked when a replica drops the connection.
	OnDisconnected(instanceIndex string) error
	// OnBrokerConnectionStatusChanged reports terminal-to-broker
	// connectivity.
	OnBrokerConnectionStatusChanged(instanceIndex string, connected bool) error
	// OnSynchronizationStarted is invoked when a new synchronization round
	// begins. The flags report which collections the server is about to
	// re-send.
	OnSynchronizationStarted(instanceIndex string, specificationsUpdated, positionsUpdated, ordersUpdated bool, synchronizationID string) error
	OnAccountInformationUpdated(instanceIndex string, information *AccountInformation) error
	OnPositionsReplaced(instanceIndex string, positions []Position) error
	OnPositionUpdated(instanceIndex string, position *Position) error
	OnPositionRemoved(instanceIndex string, positionID string) error
	OnPositionsSynchronized(instanceIndex string, synchronizationID string) error
	OnPendingOrdersReplaced(instanceIndex string, orders []Order) error
	OnPendingOrderUpdated(instanceIndex string, order *Order) error
	OnPendingOrderCompleted(instanceIndex string, orderID string) error
	OnPendingOrdersSynchronized(instanceIndex string, synchronizationID string) error
	OnHistoryOrderAdded(instanceIndex string, order *Order) error
	OnHistoryOrdersSynchronized(instanceIndex string, synchronizationID string) error
	OnDealAdded(instanceIndex string, deal *Deal) error
	OnDealsSynchronized(instanceIndex string, synchronizationID string) error
	OnSymbolSpecificationsUpdated(instanceIndex string, specifications []SymbolSpecification, removedSymbols []string) error
	// OnSymbolPricesUpdated delivers a batch of quotes together with the
	// optional account margin figures the packet carried.
	OnSymbolPricesUpdated(instanceIndex string, prices []SymbolPrice, margin *MarginLevels) error
	OnHealthStatus(instanceIndex string, status *HealthStatus) error
	OnSubscriptionDowngraded(instanceIndex string, symbol string, updates []MarketDataSubscription, unsubscriptions []MarketDataSubscription) error
	// OnStreamClosed is invoked when a replica's stream is closed for good;
	// per-instance state is discarded at this point.
	OnStreamClosed(instanceIndex string) error
}

// BaseSynchronizationListener is a no-op SynchronizationListener.
type BaseSynchronizationListener struct{}

var _ SynchronizationListener = (*BaseSynchronizationListener)(nil)

func (*BaseSynchronizationListener) OnConnected(string, int) error { return nil }

func (*BaseSynchronizationListener) OnDisconnected(string) error { return nil }

func (*BaseSynchronizationListener) OnBrokerConnectionStatusChanged(string, bool) error { return nil }

func (*BaseSynchronizationListener) OnSynchronizationStarted(string, bool, bool, bool, string) error {
	return nil
}

func (*BaseSynchronizationListener) OnAccountInformationUpdated(string, *AccountInformation) error {
	return nil
}

func (*BaseSynchronizationListener) OnPositionsReplaced(string, []Position) error { return nil }

func (*BaseSynchronizationListener) OnPositionUpdated(string, *Position) error { return nil }

func (*BaseSynchronizationListener) OnPositionRemoved(string, string) error { return nil }

func (*BaseSynchronizationListener) OnPositionsSynchronized(string, string) error { return nil }

func (*BaseSynchronizationListener) OnPendingOrdersReplaced(string, []Order) error { return nil }

func (*BaseSynchronizationListener) OnPendingOrderUpdated(string, *Order) error { return nil }

func (*BaseSynchronizationListener) OnPendingOrderCompleted(string, string) error { return nil }

func (*BaseSynchronizationListener) OnPendingOrdersSynchronized(string, string) error { return nil }

func (*BaseSynchronizationListener) OnHistoryOrderAdded(string, *Order) error { return nil }

func (*BaseSynchronizationListener) OnHistoryOrdersSynchronized(string, string) error { return nil }

func (*BaseSynchronizationListener) OnDealAdded(string, *Deal) error { return nil }

func (*BaseSynchronizationListener) OnDealsSynchronized(string, string) error { return nil }

func (*BaseSynchronizationListener) OnSymbolSpecificationsUpdated(string, []SymbolSpecification, []string) error {
	return nil
}

func (*BaseSynchronizationListener) OnSymbolPricesUpdated(string, []SymbolPrice, *MarginLevels) error {
	return nil
}

func (*BaseSynchronizationListener) OnHealthStatus(string, *HealthStatus) error { return nil }

func (*BaseSynchronizationListener) OnSubscriptionDowngraded(string, string, []MarketDataSubscription, []MarketDataSubscription) error {
	return nil
}

func (*BaseSynchronizationListener) OnStreamClosed(string) error { return nil }
