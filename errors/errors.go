// Package errors defines the error taxonomy shared by the metaapi transport,
// HTTP client and connection layers.
//
// Errors are tagged kinds, not an inheritance tree: each kind is its own
// struct carrying the payload the server attached to it. Callers classify
// with errors.As:
//
//	var tooMany *errors.TooManyRequestsError
//	if errors.As(err, &tooMany) {
//	    wait := time.Until(tooMany.Metadata.RecommendedRetryTime)
//	    ...
//	}
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrConnectionClosed is returned to every request still in flight when the
// socket client is closed. Check with errors.Is.
var ErrConnectionClosed = errors.New("connection closed")

// ValidationError reports a malformed request. Never retried.
type ValidationError struct {
	Message string
	Details interface{}
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Details)
	}
	return e.Message
}

// NotFoundError reports an absent resource. Never retried.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// NotSynchronizedError reports an operation that requires terminal state
// which has not been synchronized yet.
type NotSynchronizedError struct {
	Message string
}

func (e *NotSynchronizedError) Error() string { return e.Message }

// NotConnectedError reports that the server considers the session not
// authenticated or not connected to the broker.
type NotConnectedError struct {
	Message string
}

func (e *NotConnectedError) Error() string { return e.Message }

// UnauthorizedError reports an invalid auth token. The transport tears the
// socket down when it sees one.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// ApiError is the generic upstream failure. Retried by the HTTP client.
type ApiError struct {
	Code    string
	Message string
}

func (e *ApiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// InternalError is a transient server-side failure. Retried by the HTTP
// client.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return e.Message }

// TooManyRequestsMetadata carries the server's rate-limit advice.
type TooManyRequestsMetadata struct {
	// PeriodInMinutes is the measurement window of the exceeded quota.
	PeriodInMinutes int `json:"periodInMinutes"`
	// RequestsPerPeriodAllowed is the quota itself.
	RequestsPerPeriodAllowed int `json:"requestsPerPeriodAllowed"`
	// RecommendedRetryTime is the wall-clock moment to retry at.
	RecommendedRetryTime time.Time `json:"recommendedRetryTime"`
}

// TooManyRequestsError reports an exceeded rate limit together with the
// moment the server recommends retrying at.
type TooManyRequestsError struct {
	Message  string
	Metadata TooManyRequestsMetadata
}

func (e *TooManyRequestsError) Error() string { return e.Message }

// TimeoutError reports a local wait that exceeded its budget. Never retried
// automatically.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// TradeError reports a rejected trade command together with the platform
// result code.
type TradeError struct {
	Message    string
	Code       int
	StringCode string
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Code, e.StringCode)
}

// NewTradeError builds a TradeError from a platform result code, filling the
// message from the known retcode table when the server did not supply one.
func NewTradeError(message string, code int, stringCode string) *TradeError {
	if message == "" {
		message = TradeRetcodeMessage(stringCode)
	}
	return &TradeError{Message: message, Code: code, StringCode: stringCode}
}

// Trade result string codes the server reports for trade commands.
// TRADE_RETCODE_DONE, TRADE_RETCODE_DONE_PARTIAL and TRADE_RETCODE_PLACED
// report success; the other codes report a rejected command.
const (
	TradeRetcodeDone           = "TRADE_RETCODE_DONE"
	TradeRetcodeDonePartial    = "TRADE_RETCODE_DONE_PARTIAL"
	TradeRetcodePlaced         = "TRADE_RETCODE_PLACED"
	TradeRetcodeRequote        = "TRADE_RETCODE_REQUOTE"
	TradeRetcodeReject         = "TRADE_RETCODE_REJECT"
	TradeRetcodeInvalidVolume  = "TRADE_RETCODE_INVALID_VOLUME"
	TradeRetcodeInvalidPrice   = "TRADE_RETCODE_INVALID_PRICE"
	TradeRetcodeInvalidStops   = "TRADE_RETCODE_INVALID_STOPS"
	TradeRetcodeTradeDisabled  = "TRADE_RETCODE_TRADE_DISABLED"
	TradeRetcodeMarketClosed   = "TRADE_RETCODE_MARKET_CLOSED"
	TradeRetcodeNoMoney        = "TRADE_RETCODE_NO_MONEY"
	TradeRetcodePriceChanged   = "TRADE_RETCODE_PRICE_CHANGED"
	TradeRetcodePriceOff       = "TRADE_RETCODE_PRICE_OFF"
	TradeRetcodeTimeout        = "TRADE_RETCODE_TIMEOUT"
	TradeRetcodeConnection     = "TRADE_RETCODE_CONNECTION"
	TradeRetcodeTooManyRequest = "TRADE_RETCODE_TOO_MANY_REQUESTS"
	TradeRetcodePositionClosed = "TRADE_RETCODE_POSITION_CLOSED"
)

// TradeRetcodeMessage returns a human-readable description for a trade
// result string code.
func TradeRetcodeMessage(stringCode string) string {
	switch stringCode {
	case TradeRetcodeDone:
		return "Request completed"
	case TradeRetcodeDonePartial:
		return "Only part of the request was completed"
	case TradeRetcodePlaced:
		return "Order placed"
	case TradeRetcodeRequote:
		return "Requote"
	case TradeRetcodeReject:
		return "Request rejected"
	case TradeRetcodeInvalidVolume:
		return "Invalid volume in the request"
	case TradeRetcodeInvalidPrice:
		return "Invalid price in the request"
	case TradeRetcodeInvalidStops:
		return "Invalid stops in the request"
	case TradeRetcodeTradeDisabled:
		return "Trade is disabled"
	case TradeRetcodeMarketClosed:
		return "Market is closed"
	case TradeRetcodeNoMoney:
		return "There is not enough money to complete the request"
	case TradeRetcodePriceChanged:
		return "Prices changed"
	case TradeRetcodePriceOff:
		return "There are no quotes to process the request"
	case TradeRetcodeTimeout:
		return "Request canceled by timeout"
	case TradeRetcodeConnection:
		return "No connection with the trade server"
	case TradeRetcodeTooManyRequest:
		return "Too frequent requests"
	case TradeRetcodePositionClosed:
		return "Position with the specified POSITION_IDENTIFIER has already been closed"
	default:
		return fmt.Sprintf("Trade request failed with code %s", stringCode)
	}
}

// IsRetryable reports whether the HTTP client may retry after err. Only the
// generic upstream and transient internal kinds qualify; rate limiting and
// in-progress calculations have their own timing rules.
func IsRetryable(err error) bool {
	var apiErr *ApiError
	var internalErr *InternalError
	return errors.As(err, &apiErr) || errors.As(err, &internalErr)
}

// PacketError is the error payload carried by processingError packets.
type PacketError struct {
	ID          int         `json:"id"`
	Error       string      `json:"error"`
	Message     string      `json:"message"`
	Details     interface{} `json:"details,omitempty"`
	NumericCode int         `json:"numericCode,omitempty"`
	StringCode  string      `json:"stringCode,omitempty"`
}

// FromPacket converts a processingError payload to the matching error kind.
// Unrecognized discriminators map to InternalError.
func FromPacket(p PacketError) error {
	switch p.Error {
	case "ValidationError":
		return &ValidationError{Message: p.Message, Details: p.Details}
	case "NotFoundError":
		return &NotFoundError{Message: p.Message}
	case "NotSynchronizedError":
		return &NotSynchronizedError{Message: p.Message}
	case "NotAuthenticatedError":
		return &NotConnectedError{Message: p.Message}
	case "UnauthorizedError":
		return &UnauthorizedError{Message: p.Message}
	case "TradeError":
		return NewTradeError(p.Message, p.NumericCode, p.StringCode)
	case "TimeoutError":
		return &TimeoutError{Message: p.Message}
	case "TooManyRequestsError":
		e := &TooManyRequestsError{Message: p.Message}
		if raw, err := json.Marshal(p.Details); err == nil {
			_ = json.Unmarshal(raw, &e.Metadata)
		}
		return e
	default:
		return &InternalError{Message: p.Message}
	}
}

type httpErrorBody struct {
	ID       int                      `json:"id"`
	Error    string                   `json:"error"`
	Message  string                   `json:"message"`
	Details  interface{}              `json:"details,omitempty"`
	Metadata *TooManyRequestsMetadata `json:"metadata,omitempty"`
}

// FromHTTPStatus converts a REST response status and body to the matching
// error kind. The body is the server's JSON error envelope when present;
// plain-text bodies become the message as-is.
func FromHTTPStatus(status int, body []byte) error {
	var parsed httpErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Message == "" {
		parsed.Message = string(body)
	}
	switch status {
	case http.StatusBadRequest:
		return &ValidationError{Message: parsed.Message, Details: parsed.Details}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &UnauthorizedError{Message: parsed.Message}
	case http.StatusNotFound:
		return &NotFoundError{Message: parsed.Message}
	case http.StatusConflict:
		return &NotSynchronizedError{Message: parsed.Message}
	case http.StatusTooManyRequests:
		e := &TooManyRequestsError{Message: parsed.Message}
		if parsed.Metadata != nil {
			e.Metadata = *parsed.Metadata
		}
		return e
	case http.StatusInternalServerError:
		return &InternalError{Message: parsed.Message}
	default:
		return &ApiError{Code: http.StatusText(status), Message: parsed.Message}
	}
}
