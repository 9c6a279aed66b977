package metaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkerrors "github.com/metaapi-cloud/metaapi-go/errors"
)

// RpcConnection is the request-only facade over the socket channel. It
// keeps no local state and subscribes to no events: every call is one
// correlated request/reply round trip.
type RpcConnection struct {
	client    *SocketClient
	accountID string
}

// NewRpcConnection builds the facade for one account.
func NewRpcConnection(client *SocketClient, accountID string) *RpcConnection {
	return &RpcConnection{client: client, accountID: accountID}
}

// Connect opens the underlying channel.
func (c *RpcConnection) Connect(ctx context.Context) error {
	return c.client.Connect(ctx)
}

// HistoryOrdersResult is a history order query reply.
type HistoryOrdersResult struct {
	HistoryOrders []Order `json:"historyOrders"`
	Synchronizing bool    `json:"synchronizing"`
}

// DealsResult is a deal query reply.
type DealsResult struct {
	Deals         []Deal `json:"deals"`
	Synchronizing bool   `json:"synchronizing"`
}

// GetAccountInformation reads the current account snapshot.
func (c *RpcConnection) GetAccountInformation(ctx context.Context) (*AccountInformation, error) {
	resp, err := c.request(ctx, map[string]interface{}{"type": "getAccountInformation"})
	if err != nil {
		return nil, err
	}
	var out AccountInformation
	if err := decodeField(resp, "accountInformation", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPositions reads all open positions.
func (c *RpcConnection) GetPositions(ctx context.Context) ([]Position, error) {
	resp, err := c.request(ctx, map[string]interface{}{"type": "getPositions"})
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := decodeField(resp, "positions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPosition reads one position by id.
func (c *RpcConnection) GetPosition(ctx context.Context, positionID string) (*Position, error) {
	resp, err := c.request(ctx, map[string]interface{}{"type": "getPosition", "positionId": positionID})
	if err != nil {
		return nil, err
	}
	var out Position
	if err := decodeField(resp, "position", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrders reads all pending orders.
func (c *RpcConnection) GetOrders(ctx context.Context) ([]Order, error) {
	resp, err := c.request(ctx, map[string]interface{}{"type": "getOrders"})
	if err != nil {
		return nil, err
	}
	var out []Order
	if err := decodeField(resp, "orders", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrder reads one pending order by id.
func (c *RpcConnection) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	resp, err := c.request(ctx, map[string]interface{}{"type": "getOrder", "orderId": orderID})
	if err != nil {
		return nil, err
	}
	var out Order
	if err := decodeField(resp, "order", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistoryOrdersByTicket reads history orders of one ticket.
func (c *RpcConnection) GetHistoryOrdersByTicket(ctx context.Context, ticket string) (*HistoryOrdersResult, error) {
	return c.historyOrders(ctx, map[string]interface{}{"type": "getHistoryOrdersByTicket", "ticket": ticket})
}

// GetHistoryOrdersByPosition reads history orders of one position.
func (c *RpcConnection) GetHistoryOrdersByPosition(ctx context.Context, positionID string) (*HistoryOrdersResult, error) {
	return c.historyOrders(ctx, map[string]interface{}{"type": "getHistoryOrdersByPosition", "positionId": positionID})
}

// GetHistoryOrdersByTimeRange reads history orders within a time range.
func (c *RpcConnection) GetHistoryOrdersByTimeRange(ctx context.Context, startTime, endTime time.Time, offset, limit int) (*HistoryOrdersResult, error) {
	return c.historyOrders(ctx, map[string]interface{}{
		"type":      "getHistoryOrdersByTimeRange",
		"startTime": startTime,
		"endTime":   endTime,
		"offset":    offset,
		"limit":     limit,
	})
}

func (c *RpcConnection) historyOrders(ctx context.Context, payload map[string]interface{}) (*HistoryOrdersResult, error) {
	resp, err := c.request(ctx, payload)
	if err != nil {
		return nil, err
	}
	var out HistoryOrdersResult
	if err := decodeField(resp, "historyOrders", &out.HistoryOrders); err != nil {
		return nil, err
	}
	out.Synchronizing, _ = resp["synchronizing"].(bool)
	return &out, nil
}

// GetDealsByTicket reads deals of one ticket.
func (c *RpcConnection) GetDealsByTicket(ctx context.Context, ticket string) (*DealsResult, error) {
	return c.deals(ctx, map[string]interface{}{"type": "getDealsByTicket", "ticket": ticket})
}

// GetDealsByPosition reads deals of one position.
func (c *RpcConnection) GetDealsByPosition(ctx context.Context, positionID string) (*DealsResult, error) {
	return c.deals(ctx, map[string]interface{}{"type": "getDealsByPosition", "positionId": positionID})
}

// GetDealsByTimeRange reads deals within a time range.
func (c *RpcConnection) GetDealsByTimeRange(ctx context.Context, startTime, endTime time.Time, offset, limit int) (*DealsResult, error) {
	return c.deals(ctx, map[string]interface{}{
		"type":      "getDealsByTimeRange",
		"startTime": startTime,
		"endTime":   endTime,
		"offset":    offset,
		"limit":     limit,
	})
}

func (c *RpcConnection) deals(ctx context.Context, payload map[string]interface{}) (*DealsResult, error) {
	resp, err := c.request(ctx, payload)
	if err != nil {
		return nil, err
	}
	var out DealsResult
	if err := decodeField(resp, "deals", &out.Deals); err != nil {
		return nil, err
	}
	out.Synchronizing, _ = resp["synchronizing"].(bool)
	return &out, nil
}

// Trade submits a trade command and returns the platform's response. A
// result code other than done/done-partial/placed is also returned as a
// TradeError.
func (c *RpcConnection) Trade(ctx context.Context, trade *TradeRequest) (*TradeResponse, error) {
	if err := trade.Validate(); err != nil {
		return nil, &sdkerrors.ValidationError{Message: err.Error()}
	}
	resp, err := c.request(ctx, map[string]interface{}{"type": "trade", "trade": trade})
	if err != nil {
		return nil, err
	}
	var out TradeResponse
	if err := decodeField(resp, "response", &out); err != nil {
		return nil, err
	}
	switch out.StringCode {
	case sdkerrors.TradeRetcodeDone, sdkerrors.TradeRetcodeDonePartial, sdkerrors.TradeRetcodePlaced:
		return &out, nil
	default:
		return &out, sdkerrors.NewTradeError(out.Message, out.NumericCode, out.StringCode)
	}
}

// Reconnect asks the server to reconnect the terminal to the broker.
func (c *RpcConnection) Reconnect(ctx context.Context) error {
	_, err := c.request(ctx, map[string]interface{}{"type": "reconnect"})
	return err
}

func (c *RpcConnection) request(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return c.client.Request(ctx, c.accountID, payload)
}

// decodeField re-decodes one reply field into a typed value.
func decodeField(resp map[string]interface{}, field string, out interface{}) error {
	value, ok := resp[field]
	if !ok || value == nil {
		return fmt.Errorf("reply is missing the %s field", field)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to re-encode the %s field: %w", field, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode the %s field: %w", field, err)
	}
	return nil
}
