package metaapi

import (
	"fmt"
	"time"
)

// Account platform identifiers.
const (
	PlatformMT4 = "mt4"
	PlatformMT5 = "mt5"
)

// Server-side account replica types used by state hashing.
const (
	AccountTypeCloudG1 = "cloud-g1"
	AccountTypeCloudG2 = "cloud-g2"
)

// AccountInformation is the current snapshot of a trading account.
type AccountInformation struct {
	Platform    string  `json:"platform"`
	Broker      string  `json:"broker"`
	Currency    string  `json:"currency"`
	Server      string  `json:"server"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	FreeMargin  float64 `json:"freeMargin"`
	Leverage    float64 `json:"leverage"`
	MarginLevel float64 `json:"marginLevel"`
}

// Position types.
const (
	PositionTypeBuy  = "POSITION_TYPE_BUY"
	PositionTypeSell = "POSITION_TYPE_SELL"
)

// Position is an open position on the account.
type Position struct {
	ID                          string     `json:"id"`
	Type                        string     `json:"type"`
	Symbol                      string     `json:"symbol"`
	Magic                       int64      `json:"magic"`
	Time                        time.Time  `json:"time"`
	UpdateTime                  time.Time  `json:"updateTime"`
	OpenPrice                   float64    `json:"openPrice"`
	CurrentPrice                float64    `json:"currentPrice"`
	CurrentTickValue            float64    `json:"currentTickValue"`
	StopLoss                    *float64   `json:"stopLoss,omitempty"`
	TakeProfit                  *float64   `json:"takeProfit,omitempty"`
	Volume                      float64    `json:"volume"`
	Swap                        float64    `json:"swap"`
	Commission                  float64    `json:"commission"`
	Profit                      float64    `json:"profit"`
	UnrealizedProfit            float64    `json:"unrealizedProfit"`
	RealizedProfit              float64    `json:"realizedProfit"`
	Comment                     string     `json:"comment,omitempty"`
	BrokerComment               string     `json:"brokerComment,omitempty"`
	ClientID                    string     `json:"clientId,omitempty"`
	Reason                      string     `json:"reason,omitempty"`
	AccountCurrencyExchangeRate float64    `json:"accountCurrencyExchangeRate,omitempty"`
	UpdateSequenceNumber        int64      `json:"updateSequenceNumber,omitempty"`
}

// Pending order types.
const (
	OrderTypeBuy           = "ORDER_TYPE_BUY"
	OrderTypeSell          = "ORDER_TYPE_SELL"
	OrderTypeBuyLimit      = "ORDER_TYPE_BUY_LIMIT"
	OrderTypeSellLimit     = "ORDER_TYPE_SELL_LIMIT"
	OrderTypeBuyStop       = "ORDER_TYPE_BUY_STOP"
	OrderTypeSellStop      = "ORDER_TYPE_SELL_STOP"
	OrderTypeBuyStopLimit  = "ORDER_TYPE_BUY_STOP_LIMIT"
	OrderTypeSellStopLimit = "ORDER_TYPE_SELL_STOP_LIMIT"
)

// Order is a pending order on the account.
type Order struct {
	ID                          string     `json:"id"`
	Type                        string     `json:"type"`
	State                       string     `json:"state"`
	Symbol                      string     `json:"symbol"`
	Magic                       int64      `json:"magic"`
	Platform                    string     `json:"platform,omitempty"`
	Time                        time.Time  `json:"time"`
	UpdateTime                  time.Time  `json:"updateTime,omitempty"`
	DoneTime                    *time.Time `json:"doneTime,omitempty"`
	OpenPrice                   float64    `json:"openPrice"`
	CurrentPrice                float64    `json:"currentPrice"`
	Volume                      float64    `json:"volume"`
	CurrentVolume               float64    `json:"currentVolume"`
	PositionID                  string     `json:"positionId,omitempty"`
	Comment                     string     `json:"comment,omitempty"`
	BrokerComment               string     `json:"brokerComment,omitempty"`
	ClientID                    string     `json:"clientId,omitempty"`
	AccountCurrencyExchangeRate float64    `json:"accountCurrencyExchangeRate,omitempty"`
	UpdateSequenceNumber        int64      `json:"updateSequenceNumber,omitempty"`
}

// IsBuyVariant reports whether the order type is one of the buy-side kinds.
// Pending buy orders track the ask, sells track the bid.
func (o *Order) IsBuyVariant() bool {
	switch o.Type {
	case OrderTypeBuy, OrderTypeBuyLimit, OrderTypeBuyStop, OrderTypeBuyStopLimit:
		return true
	}
	return false
}

// SymbolSpecification describes a tradable instrument.
type SymbolSpecification struct {
	Symbol        string   `json:"symbol"`
	Digits        int      `json:"digits"`
	TickSize      float64  `json:"tickSize"`
	Description   string   `json:"description,omitempty"`
	ContractSize  float64  `json:"contractSize,omitempty"`
	ExecutionMode string   `json:"executionMode,omitempty"`
	FillingModes  []string `json:"fillingModes,omitempty"`
	MinVolume     float64  `json:"minVolume,omitempty"`
	MaxVolume     float64  `json:"maxVolume,omitempty"`
	VolumeStep    float64  `json:"volumeStep,omitempty"`
}

// SymbolPrice is a live quote for one symbol.
type SymbolPrice struct {
	Symbol          string    `json:"symbol"`
	Bid             float64   `json:"bid"`
	Ask             float64   `json:"ask"`
	ProfitTickValue float64   `json:"profitTickValue"`
	LossTickValue   float64   `json:"lossTickValue"`
	Time            time.Time `json:"time"`
}

// MarginLevels carries the optional account margin figures a price packet
// may include.
type MarginLevels struct {
	Equity      *float64 `json:"equity,omitempty"`
	Margin      *float64 `json:"margin,omitempty"`
	FreeMargin  *float64 `json:"freeMargin,omitempty"`
	MarginLevel *float64 `json:"marginLevel,omitempty"`
}

// Deal is a historical account transaction.
type Deal struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EntryType  string    `json:"entryType,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Magic      int64     `json:"magic,omitempty"`
	Time       time.Time `json:"time"`
	Volume     float64   `json:"volume,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Commission float64   `json:"commission,omitempty"`
	Swap       float64   `json:"swap,omitempty"`
	Profit     float64   `json:"profit"`
	PositionID string    `json:"positionId,omitempty"`
	OrderID    string    `json:"orderId,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
}

// Trade action types.
const (
	ActionOrderTypeBuy           = "ORDER_TYPE_BUY"
	ActionOrderTypeSell          = "ORDER_TYPE_SELL"
	ActionOrderTypeBuyLimit      = "ORDER_TYPE_BUY_LIMIT"
	ActionOrderTypeSellLimit     = "ORDER_TYPE_SELL_LIMIT"
	ActionOrderTypeBuyStop       = "ORDER_TYPE_BUY_STOP"
	ActionOrderTypeSellStop      = "ORDER_TYPE_SELL_STOP"
	ActionOrderTypeBuyStopLimit  = "ORDER_TYPE_BUY_STOP_LIMIT"
	ActionOrderTypeSellStopLimit = "ORDER_TYPE_SELL_STOP_LIMIT"
	ActionPositionModify         = "POSITION_MODIFY"
	ActionPositionPartial        = "POSITION_PARTIAL"
	ActionPositionCloseID        = "POSITION_CLOSE_ID"
	ActionPositionCloseBy        = "POSITION_CLOSE_BY"
	ActionPositionsCloseSymbol   = "POSITIONS_CLOSE_SYMBOL"
	ActionOrderModify            = "ORDER_MODIFY"
	ActionOrderCancel            = "ORDER_CANCEL"
)

// Stop units for stopLoss/takeProfit values.
const (
	StopUnitsAbsolutePrice             = "ABSOLUTE_PRICE"
	StopUnitsRelativePrice             = "RELATIVE_PRICE"
	StopUnitsRelativePoints            = "RELATIVE_POINTS"
	StopUnitsRelativeCurrency          = "RELATIVE_CURRENCY"
	StopUnitsRelativeBalancePercentage = "RELATIVE_BALANCE_PERCENTAGE"
)

// TradeExpiration describes pending order expiration.
type TradeExpiration struct {
	Type string     `json:"type"`
	Time *time.Time `json:"time,omitempty"`
}

// TradeRequest is an outgoing trade command.
type TradeRequest struct {
	ActionType        string           `json:"actionType"`
	Symbol            string           `json:"symbol,omitempty"`
	Volume            *float64         `json:"volume,omitempty"`
	OpenPrice         *float64         `json:"openPrice,omitempty"`
	StopLimitPrice    *float64         `json:"stopLimitPrice,omitempty"`
	StopLoss          *float64         `json:"stopLoss,omitempty"`
	StopLossUnits     string           `json:"stopLossUnits,omitempty"`
	TakeProfit        *float64         `json:"takeProfit,omitempty"`
	TakeProfitUnits   string           `json:"takeProfitUnits,omitempty"`
	Comment           string           `json:"comment,omitempty"`
	ClientID          string           `json:"clientId,omitempty"`
	Magic             int64            `json:"magic,omitempty"`
	Slippage          *float64         `json:"slippage,omitempty"`
	FillingModes      []string         `json:"fillingModes,omitempty"`
	Expiration        *TradeExpiration `json:"expiration,omitempty"`
	PositionID        string           `json:"positionId,omitempty"`
	CloseByPositionID string           `json:"closeByPositionId,omitempty"`
	OrderID           string           `json:"orderId,omitempty"`
}

// maxCommentLength bounds the combined comment and clientId length the
// platform accepts on a trade command.
const maxCommentLength = 26

// Validate checks the request before it goes on the wire.
func (r *TradeRequest) Validate() error {
	if r.ActionType == "" {
		return fmt.Errorf("trade request requires an actionType")
	}
	if len(r.Comment)+len(r.ClientID) > maxCommentLength {
		return fmt.Errorf("combined length of comment and clientId must not exceed %d characters", maxCommentLength)
	}
	return nil
}

// TradeResponse is the server's answer to a trade command.
type TradeResponse struct {
	NumericCode int    `json:"numericCode"`
	StringCode  string `json:"stringCode"`
	Message     string `json:"message"`
	OrderID     string `json:"orderId,omitempty"`
	PositionID  string `json:"positionId,omitempty"`
}

// HealthStatus is the terminal-side health report delivered by healthStatus
// packets.
type HealthStatus struct {
	RestAPIHealthy               *bool `json:"restApiHealthy,omitempty"`
	CopyFactorySubscriberHealthy *bool `json:"copyFactorySubscriberHealthy,omitempty"`
	CopyFactoryProviderHealthy   *bool `json:"copyFactoryProviderHealthy,omitempty"`
}

// MarketDataSubscription describes one requested market data stream for a
// symbol.
type MarketDataSubscription struct {
	Type                   string `json:"type"`
	IntervalInMilliseconds int    `json:"intervalInMilliseconds,omitempty"`
}
