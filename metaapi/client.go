package metaapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	sdkerrors "github.com/metaapi-cloud/metaapi-go/errors"
)

// PacketListener consumes server-initiated packets routed by account id.
// A returned error is logged; it never stops the dispatcher.
type PacketListener interface {
	HandlePacket(packet *Packet) error
}

// ClientOptions configure the socket client.
type ClientOptions struct {
	// Token authenticates the channel via the auth-token query parameter.
	Token string
	// Domain is the API domain, e.g. "agiliumtrade.agiliumtrade.ai".
	Domain string
	// Application identifies this client in outgoing requests.
	Application string
	// URL overrides the derived endpoint entirely. Used by tests.
	URL string
	// RequestTimeout bounds each request round trip. Default 60s.
	RequestTimeout time.Duration
	// PingInterval is the keepalive ping period. Default 10s.
	PingInterval time.Duration
}

const (
	defaultDomain         = "agiliumtrade.agiliumtrade.ai"
	defaultApplication    = "MetaApi"
	defaultRequestTimeout = 60 * time.Second
	defaultPingInterval   = 10 * time.Second

	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 5 * time.Second
)

type requestOutcome struct {
	payload map[string]interface{}
	err     error
}

// SocketClient is the reconnecting full-duplex channel to the trading
// server. It multiplexes correlated request/reply pairs and fans
// server-initiated events out to per-account packet listeners.
//
// Requests in flight survive reconnects: the reply is correlated purely by
// requestId, so a response arriving on a fresh socket still resolves the
// original call. Close rejects everything still pending.
type SocketClient struct {
	url            string
	application    string
	requestTimeout time.Duration
	pingInterval   time.Duration

	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	wanted    bool
	closed    bool
	pending   map[string]chan requestOutcome
	listeners map[string][]PacketListener
	queue     [][]byte

	writeMu sync.Mutex
}

// NewSocketClient builds a client from options. Connect must be called
// before issuing requests.
func NewSocketClient(opts ClientOptions) *SocketClient {
	domain := opts.Domain
	if domain == "" {
		domain = defaultDomain
	}
	url := opts.URL
	if url == "" {
		url = fmt.Sprintf("wss://mt-provisioning-api-v1.%s/ws?auth-token=%s", domain, opts.Token)
	} else if !strings.Contains(url, "auth-token=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = url + sep + "auth-token=" + opts.Token
	}
	application := opts.Application
	if application == "" {
		application = defaultApplication
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}
	return &SocketClient{
		url:            url,
		application:    application,
		requestTimeout: requestTimeout,
		pingInterval:   pingInterval,
		dialer:         &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		pending:        make(map[string]chan requestOutcome),
		listeners:      make(map[string][]PacketListener),
	}
}

// Application returns the application id sent with every request.
func (c *SocketClient) Application() string { return c.application }

// Connected reports whether the underlying socket is currently established.
func (c *SocketClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the channel and resolves on the first successful handshake.
// Subsequent calls while the connection is desired are no-ops. The client
// keeps redialing in the background for as long as it is not closed.
func (c *SocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return sdkerrors.ErrConnectionClosed
	}
	if c.wanted {
		c.mu.Unlock()
		return nil
	}
	c.wanted = true
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.maintainConnection(first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maintainConnection dials, runs the read loop, and redials after every
// drop while the connection is still desired. The first successful
// handshake is reported on first; failed dials and later cycles only log.
func (c *SocketClient) maintainConnection(first chan<- error) {
	reported := false
	delay := reconnectMinDelay
	for {
		c.mu.Lock()
		wanted := c.wanted
		c.mu.Unlock()
		if !wanted {
			return
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			log.WithField("url", c.url).Warnf("connect attempt failed, retrying in %s: %v", delay, err)
			time.Sleep(delay)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}
		delay = reconnectMinDelay

		c.mu.Lock()
		if !c.wanted {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		if !reported {
			first <- nil
			reported = true
		}

		for _, frame := range queued {
			if err := c.writeFrame(conn, frame); err != nil {
				log.Warnf("failed to flush queued packet: %v", err)
			}
		}

		done := make(chan struct{})
		go c.pinger(conn, done)
		c.readLoop(conn)
		close(done)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		wanted = c.wanted
		c.mu.Unlock()
		conn.Close()
		if !wanted {
			return
		}
		log.Warn("connection lost, reconnecting")
		time.Sleep(reconnectMinDelay)
	}
}

func (c *SocketClient) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *SocketClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *SocketClient) handleFrame(data []byte) {
	packet, err := decodePacket(data)
	if err != nil {
		log.Warnf("dropping inbound frame: %v", err)
		return
	}

	switch packet.Type {
	case "response":
		var payload map[string]interface{}
		if err := json.Unmarshal(packet.Raw, &payload); err != nil {
			log.Warnf("malformed response packet: %v", err)
			return
		}
		payload = convertTimeFields(payload).(map[string]interface{})
		c.resolve(packet.RequestID, requestOutcome{payload: payload})
	case "processingError":
		var perr sdkerrors.PacketError
		if err := json.Unmarshal(packet.Raw, &perr); err != nil {
			log.Warnf("malformed processingError packet: %v", err)
			return
		}
		mapped := sdkerrors.FromPacket(perr)
		c.resolve(packet.RequestID, requestOutcome{err: mapped})
		if _, ok := mapped.(*sdkerrors.UnauthorizedError); ok {
			// Invalid token is fatal for the whole channel.
			log.Error("server reported the auth token as invalid, closing the connection")
			c.Close()
		}
	default:
		c.dispatch(packet)
	}
}

// resolve delivers the outcome to the pending request future, if any. At
// most one inbound packet reaches each future.
func (c *SocketClient) resolve(requestID string, outcome requestOutcome) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- outcome
	}
}

// dispatch delivers an event packet to the listeners registered for its
// account, in registration order. Listener errors are logged and the next
// packet proceeds.
func (c *SocketClient) dispatch(packet *Packet) {
	c.mu.Lock()
	listeners := append([]PacketListener(nil), c.listeners[packet.AccountID]...)
	c.mu.Unlock()
	for _, l := range listeners {
		if err := l.HandlePacket(packet); err != nil {
			log.WithFields(map[string]interface{}{
				"account": packet.AccountID,
				"type":    packet.Type,
			}).Errorf("packet listener failed: %v", err)
		}
	}
}

// AddPacketListener subscribes a listener to all event packets of an
// account.
func (c *SocketClient) AddPacketListener(accountID string, listener PacketListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[accountID] = append(c.listeners[accountID], listener)
}

// RemovePacketListener removes a previously added listener.
func (c *SocketClient) RemovePacketListener(accountID string, listener PacketListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.listeners[accountID][:0]
	for _, l := range c.listeners[accountID] {
		if l != listener {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(c.listeners, accountID)
	} else {
		c.listeners[accountID] = kept
	}
}

// randomRequestID generates the 32-character alphanumeric request id.
func randomRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request emits a correlated request for an account and waits for the
// matching reply. Date-typed fields in the reply (any key containing "time"
// or "Time", at any depth) arrive as time.Time.
//
// The wait is bounded by ctx and by the client's request timeout. A request
// written before a disconnect is still resolved when the reply arrives on
// the reconnected socket; a request issued while disconnected is queued and
// flushed on reconnect.
func (c *SocketClient) Request(ctx context.Context, accountID string, payload map[string]interface{}) (map[string]interface{}, error) {
	requestID, _ := payload["requestId"].(string)
	if requestID == "" {
		requestID = randomRequestID()
	}
	body := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["accountId"] = accountID
	body["requestId"] = requestID
	if _, ok := body["application"]; !ok {
		body["application"] = c.application
	}
	frame, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	outcome := make(chan requestOutcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, sdkerrors.ErrConnectionClosed
	}
	c.pending[requestID] = outcome
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, frame)
	}
	c.mu.Unlock()

	if conn != nil {
		if err := c.writeFrame(conn, frame); err != nil {
			// The socket dropped mid-write; leave the future pending and
			// queue the frame for the reconnected socket.
			c.mu.Lock()
			if !c.closed {
				c.queue = append(c.queue, frame)
			}
			c.mu.Unlock()
		}
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case result := <-outcome:
		if result.err != nil {
			return nil, result.err
		}
		return result.payload, nil
	case <-timer.C:
		c.abandon(requestID)
		return nil, &sdkerrors.TimeoutError{
			Message: fmt.Sprintf("request of type %v to account %s timed out", body["type"], accountID),
		}
	case <-ctx.Done():
		c.abandon(requestID)
		return nil, ctx.Err()
	}
}

func (c *SocketClient) abandon(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *SocketClient) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close tears the channel down, stops the reconnect loop and rejects every
// outstanding request with ErrConnectionClosed.
func (c *SocketClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.wanted = false
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan requestOutcome)
	c.queue = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, ch := range pending {
		ch <- requestOutcome{err: sdkerrors.ErrConnectionClosed}
	}
}
