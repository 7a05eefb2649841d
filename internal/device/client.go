package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 10 * time.Second
)

// DeviceClient is the API surface of one device.
type DeviceClient interface {
	TestConnection(ctx context.Context) error
	GetDeviceInfo(ctx context.Context) (Info, error)
	GetAllData(ctx context.Context) (Data, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetBrightness(ctx context.Context, brightness int) error
	Close() error
}

// Factory builds a client for a host and API key.
type Factory func(host, apiKey string) DeviceClient

// NewFactory returns a Factory producing WebSocket clients.
func NewFactory(logger *zap.Logger) Factory {
	return func(host, apiKey string) DeviceClient {
		return NewClient(host, apiKey, logger.With(zap.String("host", host)))
	}
}

// Client implements DeviceClient over the device WebSocket API.
// It connects on first use and reconnects on the next call after a drop.
type Client struct {
	url    string
	apiKey string
	logger *zap.Logger

	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{} // closed when conn drops
	connMu    sync.Mutex

	msgID     int
	msgIDMu   sync.Mutex
	pending   map[int]chan Message
	pendingMu sync.Mutex
	writeMu   sync.Mutex
}

// NewClient creates a client for host, which may be "host:port" or a ws:// URL.
func NewClient(host, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		url:     websocketURL(host),
		apiKey:  apiKey,
		logger:  logger.Named("device"),
		pending: make(map[int]chan Message),
	}
}

func websocketURL(host string) string {
	switch {
	case strings.HasPrefix(host, "ws://"), strings.HasPrefix(host, "wss://"):
		return host
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	default:
		return "ws://" + host + "/api/websocket"
	}
}

// IsConnected reports whether a session is currently open.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Client) ensureConnected(ctx context.Context) (*websocket.Conn, chan struct{}, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return nil, nil, fmt.Errorf("%w: client closed", ErrConnection)
	}
	if c.connected {
		return c.conn, c.done, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to dial %s: %w", ErrConnection, c.url, err)
	}

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, err
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	c.logger.Debug("Connected to device", zap.String("url", c.url))

	go c.receiveMessages(conn)
	return c.conn, c.done, nil
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	defer conn.SetWriteDeadline(time.Time{})

	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("%w: failed to read auth_required: %w", ErrConnection, err)
	}
	if authRequired.Type != TypeAuthRequired {
		return fmt.Errorf("%w: expected auth_required, got %s", ErrAPI, authRequired.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: TypeAuth, APIKey: c.apiKey}); err != nil {
		return fmt.Errorf("%w: failed to send auth: %w", ErrConnection, err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("%w: failed to read auth response: %w", ErrConnection, err)
	}

	switch authResponse.Type {
	case TypeAuthOK:
		return nil
	case TypeAuthInvalid:
		return fmt.Errorf("%w: invalid api key", ErrAuthentication)
	default:
		return fmt.Errorf("%w: expected auth_ok, got %s", ErrAPI, authResponse.Type)
	}
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.dropConnection(conn, err)
			return
		}

		if msg.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

// dropConnection tears down conn if it is still the active session.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected || c.conn != conn {
		return
	}
	c.connected = false
	c.conn = nil
	close(c.done)
	conn.Close()
	c.logger.Warn("Connection to device lost", zap.Error(cause))
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// call sends req and waits for its result frame.
func (c *Client) call(ctx context.Context, req Request) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	conn, done, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	req.ID = c.nextMsgID()
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropConnection(conn, err)
		return nil, fmt.Errorf("%w: failed to send %s: %w", ErrConnection, req.Type, err)
	}

	select {
	case resp := <-respChan:
		if resp.Success == nil || !*resp.Success {
			if resp.Error != nil {
				return nil, &APIError{Code: resp.Error.Code, Message: resp.Error.Message}
			}
			return nil, fmt.Errorf("%w: %s failed", ErrAPI, req.Type)
		}
		return resp.Result, nil
	case <-done:
		return nil, fmt.Errorf("%w: connection lost waiting for %s", ErrConnection, req.Type)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", req.Type, ctx.Err())
	}
}

// TestConnection opens a session if needed and pings the device.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: TypePing})
	return err
}

func (c *Client) GetDeviceInfo(ctx context.Context) (Info, error) {
	raw, err := c.call(ctx, Request{Type: TypeGetDeviceInfo})
	if err != nil {
		return Info{}, err
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("%w: malformed device info: %w", ErrAPI, err)
	}
	if info.ID == "" {
		return Info{}, fmt.Errorf("%w: device info has no id", ErrAPI)
	}
	return info, nil
}

func (c *Client) GetAllData(ctx context.Context) (Data, error) {
	raw, err := c.call(ctx, Request{Type: TypeGetAllData})
	if err != nil {
		return nil, err
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed data: %w", ErrAPI, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: empty data response", ErrAPI)
	}
	return data, nil
}

func (c *Client) TurnOn(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: TypeTurnOn})
	return err
}

func (c *Client) TurnOff(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: TypeTurnOff})
	return err
}

func (c *Client) SetBrightness(ctx context.Context, brightness int) error {
	if brightness < 0 || brightness > 255 {
		return fmt.Errorf("%w: brightness %d out of range 0-255", ErrAPI, brightness)
	}
	_, err := c.call(ctx, Request{Type: TypeSetBrightness, Brightness: &brightness})
	return err
}

// Close ends the session. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if !c.connected {
		return nil
	}

	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.connected = false
	close(c.done)
	err := c.conn.Close()
	c.conn = nil
	return err
}
