package metaapi

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestHashesAreNullUntilCollectionsInitialize(t *testing.T) {
	ts := NewTerminalState()
	require.NoError(t, ts.OnConnected("0", 1))

	hashes := ts.GetHashes(AccountTypeCloudG2, "0")
	assert.Empty(t, hashes.SpecificationsMD5)
	assert.Empty(t, hashes.PositionsMD5)
	assert.Empty(t, hashes.OrdersMD5)
}

func TestG1SpecificationHashCanonicalForm(t *testing.T) {
	ts := NewTerminalState()
	require.NoError(t, ts.OnSymbolSpecificationsUpdated("0", []SymbolSpecification{
		{Symbol: "EURUSD", Digits: 5, TickSize: 0.00001, Description: "Euro vs US Dollar"},
	}, nil))

	hashes := ts.GetHashes(AccountTypeCloudG1, "0")

	// Description stripped, digits emitted as a bare integer, tickSize
	// fixed to 8 decimals, keys sorted.
	expected := md5Hex(`[{"digits":5,"symbol":"EURUSD","tickSize":0.00001000}]`)
	assert.Equal(t, expected, hashes.SpecificationsMD5)
}

func TestG2SpecificationHashKeepsDescription(t *testing.T) {
	ts := NewTerminalState()
	require.NoError(t, ts.OnSymbolSpecificationsUpdated("0", []SymbolSpecification{
		{Symbol: "EURUSD", Digits: 5, TickSize: 0.00001, Description: "Euro vs US Dollar"},
	}, nil))

	hashes := ts.GetHashes(AccountTypeCloudG2, "0")
	expected := md5Hex(`[{"description":"Euro vs US Dollar","digits":5,"symbol":"EURUSD","tickSize":0.00001}]`)
	assert.Equal(t, expected, hashes.SpecificationsMD5)
}

func TestHashesAreDeterministic(t *testing.T) {
	ts := populatedState(t, []string{"a", "b", "c"})
	first := ts.GetHashes(AccountTypeCloudG1, "0")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ts.GetHashes(AccountTypeCloudG1, "0"))
	}
}

func TestHashesInvariantUnderArrivalOrder(t *testing.T) {
	forward := populatedState(t, []string{"a", "b", "c"})
	reversed := populatedState(t, []string{"c", "b", "a"})

	for _, accountType := range []string{AccountTypeCloudG1, AccountTypeCloudG2} {
		assert.Equal(t,
			forward.GetHashes(accountType, "0"),
			reversed.GetHashes(accountType, "0"))
	}
}

func TestG1HashStripsVolatileAndTimeFields(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	build := func(tweak func(p *Position)) *TerminalState {
		ts := NewTerminalState()
		p := Position{
			ID: "1", Type: PositionTypeBuy, Symbol: "EURUSD", Magic: 12345,
			Time: base, UpdateTime: base, OpenPrice: 1.1, Volume: 0.5,
		}
		tweak(&p)
		require.NoError(t, ts.OnPositionsReplaced("0", []Position{p}))
		require.NoError(t, ts.OnPositionsSynchronized("0", "s"))
		return ts
	}

	plain := build(func(*Position) {})
	noisy := build(func(p *Position) {
		p.Time = base.Add(time.Hour)
		p.UpdateTime = base.Add(2 * time.Hour)
		p.Profit = 100
		p.UnrealizedProfit = 90
		p.CurrentPrice = 1.2
		p.Comment = "scalping"
		p.ClientID = "TE_EURUSD_1"
	})

	// All differences are in volatile or g1 time fields.
	assert.Equal(t,
		plain.GetHashes(AccountTypeCloudG1, "0").PositionsMD5,
		noisy.GetHashes(AccountTypeCloudG1, "0").PositionsMD5)

	// g2 keeps the timestamps, so the digests diverge.
	assert.NotEqual(t,
		plain.GetHashes(AccountTypeCloudG2, "0").PositionsMD5,
		noisy.GetHashes(AccountTypeCloudG2, "0").PositionsMD5)
}

func populatedState(t *testing.T, order []string) *TerminalState {
	t.Helper()
	ts := NewTerminalState()

	specs := map[string]SymbolSpecification{
		"a": {Symbol: "AUDUSD", Digits: 5, TickSize: 0.00001},
		"b": {Symbol: "EURUSD", Digits: 5, TickSize: 0.00001},
		"c": {Symbol: "XAUUSD", Digits: 2, TickSize: 0.01},
	}
	positions := map[string]Position{
		"a": {ID: "101", Type: PositionTypeBuy, Symbol: "AUDUSD", Magic: 1, Volume: 0.1, OpenPrice: 0.65},
		"b": {ID: "102", Type: PositionTypeSell, Symbol: "EURUSD", Magic: 2, Volume: 0.2, OpenPrice: 1.08},
		"c": {ID: "103", Type: PositionTypeBuy, Symbol: "XAUUSD", Magic: 3, Volume: 0.3, OpenPrice: 2300},
	}
	orders := map[string]Order{
		"a": {ID: "201", Type: OrderTypeBuyLimit, Symbol: "AUDUSD", Magic: 1, OpenPrice: 0.64, Volume: 0.1, CurrentVolume: 0.1},
		"b": {ID: "202", Type: OrderTypeSellStop, Symbol: "EURUSD", Magic: 2, OpenPrice: 1.07, Volume: 0.2, CurrentVolume: 0.2},
		"c": {ID: "203", Type: OrderTypeBuyStop, Symbol: "XAUUSD", Magic: 3, OpenPrice: 2310, Volume: 0.3, CurrentVolume: 0.3},
	}

	var specList []SymbolSpecification
	var positionList []Position
	var orderList []Order
	for _, k := range order {
		specList = append(specList, specs[k])
		positionList = append(positionList, positions[k])
		orderList = append(orderList, orders[k])
	}

	require.NoError(t, ts.OnSymbolSpecificationsUpdated("0", specList, nil))
	require.NoError(t, ts.OnPositionsReplaced("0", positionList))
	require.NoError(t, ts.OnPositionsSynchronized("0", "s"))
	require.NoError(t, ts.OnPendingOrdersReplaced("0", orderList))
	require.NoError(t, ts.OnPendingOrdersSynchronized("0", "s"))
	return ts
}
