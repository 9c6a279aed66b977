package metaapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/metaapi-cloud/metaapi-go/errors"
)

var testUpgrader = websocket.Upgrader{}

// startSocketServer runs a websocket endpoint that hands every inbound
// request frame to handle together with the connection it arrived on.
func startSocketServer(t *testing.T, handle func(conn *websocket.Conn, request map[string]interface{})) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("auth-token") == "" {
			http.Error(w, "missing auth token", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var request map[string]interface{}
			if err := json.Unmarshal(data, &request); err != nil {
				continue
			}
			handle(conn, request)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestSocketClient(t *testing.T, srv *httptest.Server) *SocketClient {
	t.Helper()
	client := NewSocketClient(ClientOptions{
		Token:          "test-token",
		URL:            wsURL(srv),
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(client.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client
}

func writeJSON(conn *websocket.Conn, v map[string]interface{}) {
	data, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestRequestReplyCorrelation(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		writeJSON(conn, map[string]interface{}{
			"type":      "response",
			"requestId": request["requestId"],
			"accountId": request["accountId"],
			"balance":   float64(10000),
		})
	})
	client := newTestSocketClient(t, srv)

	resp, err := client.Request(context.Background(), "account-1", map[string]interface{}{
		"type": "getAccountInformation",
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10000), resp["balance"])
}

func TestRequestIDIs32CharAlphanumeric(t *testing.T) {
	var mu sync.Mutex
	var seen string
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		mu.Lock()
		seen, _ = request["requestId"].(string)
		mu.Unlock()
		writeJSON(conn, map[string]interface{}{"type": "response", "requestId": request["requestId"]})
	})
	client := newTestSocketClient(t, srv)

	_, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "subscribe"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 32)
	for _, r := range seen {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z'), "unexpected request id rune %q", r)
	}
}

func TestReplyTimeFieldsAreRehydrated(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		writeJSON(conn, map[string]interface{}{
			"type":      "response",
			"requestId": request["requestId"],
			"position": map[string]interface{}{
				"id":         "46214692",
				"time":       "2020-04-15T02:45:06.521Z",
				"updateTime": "2020-04-15T02:45:06.521Z",
				"comment":    "not-a-date",
			},
		})
	})
	client := newTestSocketClient(t, srv)

	resp, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "getPosition"})
	require.NoError(t, err)

	position := resp["position"].(map[string]interface{})
	parsed, ok := position["time"].(time.Time)
	require.True(t, ok, "time field was not converted")
	assert.Equal(t, 2020, parsed.Year())
	_, ok = position["updateTime"].(time.Time)
	assert.True(t, ok)
	assert.Equal(t, "not-a-date", position["comment"])
}

func TestProcessingErrorMapsToTypedError(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		writeJSON(conn, map[string]interface{}{
			"type":      "processingError",
			"requestId": request["requestId"],
			"error":     "NotFoundError",
			"message":   "Position not found",
		})
	})
	client := newTestSocketClient(t, srv)

	_, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "getPosition"})
	var notFound *sdkerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Position not found", notFound.Message)
}

func TestUnauthorizedErrorTearsDownConnection(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		writeJSON(conn, map[string]interface{}{
			"type":      "processingError",
			"requestId": request["requestId"],
			"error":     "UnauthorizedError",
			"message":   "Authorization token is invalid",
		})
	})
	client := newTestSocketClient(t, srv)

	_, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "subscribe"})
	var unauthorized *sdkerrors.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 20*time.Millisecond)
	_, err = client.Request(context.Background(), "account-1", map[string]interface{}{"type": "subscribe"})
	assert.ErrorIs(t, err, sdkerrors.ErrConnectionClosed)
}

func TestReconnectPreservesOutstandingRequests(t *testing.T) {
	var mu sync.Mutex
	var firstRequestID string
	connCount := 0

	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		connCount++
		if connCount == 1 {
			// Swallow the request and drop the socket without replying.
			firstRequestID, _ = request["requestId"].(string)
			conn.Close()
			return
		}
		// The client re-sent nothing; answer the original request id on
		// the fresh socket.
		writeJSON(conn, map[string]interface{}{
			"type":      "response",
			"requestId": firstRequestID,
			"result":    "late but correlated",
		})
	})
	client := newTestSocketClient(t, srv)

	done := make(chan struct{})
	var resp map[string]interface{}
	var reqErr error
	go func() {
		defer close(done)
		resp, reqErr = client.Request(context.Background(), "account-1", map[string]interface{}{"type": "getOrders"})
	}()

	// Nudge the reconnected socket: any frame makes the server reply to
	// the stored request id.
	require.Eventually(t, func() bool {
		mu.Lock()
		dropped := firstRequestID != ""
		mu.Unlock()
		if !dropped || !client.Connected() {
			return false
		}
		nudgeCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _ = client.Request(nudgeCtx, "account-1", map[string]interface{}{"type": "ping"})
		return true
	}, 10*time.Second, 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("original request future never resolved after reconnect")
	}
	require.NoError(t, reqErr)
	assert.Equal(t, "late but correlated", resp["result"])
}

func TestCloseRejectsOutstandingRequests(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		// Never reply.
	})
	client := newTestSocketClient(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "getPositions"})
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, sdkerrors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not rejected on close")
	}
}

func TestEventPacketsAreDispatchedInOrder(t *testing.T) {
	srv := startSocketServer(t, func(conn *websocket.Conn, request map[string]interface{}) {
		for _, symbol := range []string{"EURUSD", "GBPUSD", "XAUUSD"} {
			writeJSON(conn, map[string]interface{}{
				"type":      "specifications",
				"accountId": request["accountId"],
				"specifications": []map[string]interface{}{
					{"symbol": symbol, "digits": 5},
				},
			})
		}
		writeJSON(conn, map[string]interface{}{"type": "response", "requestId": request["requestId"]})
	})
	client := newTestSocketClient(t, srv)

	var mu sync.Mutex
	var order []string
	listener := packetListenerFunc(func(p *Packet) error {
		var body struct {
			Specifications []SymbolSpecification `json:"specifications"`
		}
		if err := json.Unmarshal(p.Raw, &body); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, body.Specifications[0].Symbol)
		mu.Unlock()
		return nil
	})
	client.AddPacketListener("account-1", listener)

	_, err := client.Request(context.Background(), "account-1", map[string]interface{}{"type": "subscribe"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "XAUUSD"}, order)
}

type packetListenerFunc func(*Packet) error

func (f packetListenerFunc) HandlePacket(p *Packet) error { return f(p) }
