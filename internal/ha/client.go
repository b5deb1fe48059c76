package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetAllStates() ([]*State, error)
	GetServices() (map[string]map[string]json.RawMessage, error)
	CallService(domain, service string, data map[string]interface{}, wait bool) error
	SubscribeEvents(eventType string, handler EventHandler) (Subscription, error)
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler EventHandler
}

// Client implements HAClient interface
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	subscribers map[string][]subscriberEntry
	remoteSubs  map[string]bool
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex // Protects websocket writes
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger,
		pending:     make(map[int]chan Message),
		subscribers: make(map[string][]subscriberEntry),
		remoteSubs:  make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.conn = conn

	// Receive auth_required message
	var authRequired Message
	if err := c.conn.ReadJSON(&authRequired); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}

	if authRequired.Type != "auth_required" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	// Send authentication
	authMsg := AuthMessage{
		Type:        "auth",
		AccessToken: c.token,
	}
	c.writeMu.Lock()
	err = c.conn.WriteJSON(authMsg)
	c.writeMu.Unlock()

	if err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to send auth: %w", err)
	}

	// Receive auth response
	var authResponse Message
	if err := c.conn.ReadJSON(&authResponse); err != nil {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if authResponse.Type == "auth_invalid" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("authentication failed: invalid token")
	}

	if authResponse.Type != "auth_ok" {
		c.conn.Close()
		c.connMu.Unlock()
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}

	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant")

	// Start background message receiver
	go c.receiveMessages(conn)

	// Release lock before re-registering subscriptions to avoid deadlock
	c.connMu.Unlock()

	// Re-register remote event subscriptions for all known event types.
	// On the first Connect there are usually none yet; after a reconnect
	// this restores every subscription the sources hold.
	c.resubscribeAll()

	return nil
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		// Send close message (protected by writeMu)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.subscribers = make(map[string][]subscriberEntry)
	c.remoteSubs = make(map[string]bool)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// nextMsgID returns the next message ID
func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a message and waits for response
func (c *Client) sendMessage(msg interface{}) (*Message, error) {
	// Snapshot the connection under the lock; Disconnect nils it out
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	c.connMu.RUnlock()

	// Get message ID
	var msgID int
	switch m := msg.(type) {
	case *CallServiceRequest:
		msgID = m.ID
	case *GetStatesRequest:
		msgID = m.ID
	case *GetServicesRequest:
		msgID = m.ID
	case *SubscribeEventsRequest:
		msgID = m.ID
	default:
		return nil, fmt.Errorf("unsupported message type")
	}

	// Create response channel
	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	// Send message (protected by writeMu to prevent concurrent writes)
	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Wait for response with timeout
	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background. The
// connection is pinned for the life of the receiver; Disconnect nils out
// c.conn while this goroutine may still be between reads.
func (c *Client) receiveMessages(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		// Handle event messages
		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		// Route response to waiting goroutine
		if msg.ID > 0 {
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
}

// handleEvent routes an incoming event to the handlers subscribed to its type
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil {
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[msg.Event.EventType]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(msg.Event.EventType, msg.Event.Data)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.subsMu.Lock()
	c.remoteSubs = make(map[string]bool)
	c.subsMu.Unlock()

	c.logger.Warn("Connection lost")

	if !c.reconnect {
		return
	}

	// Attempt to reconnect with exponential backoff
	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

// resubscribeAll re-registers a remote subscription for every event type
// that currently has local handlers
func (c *Client) resubscribeAll() {
	c.subsMu.RLock()
	eventTypes := make([]string, 0, len(c.subscribers))
	for eventType := range c.subscribers {
		eventTypes = append(eventTypes, eventType)
	}
	c.subsMu.RUnlock()

	for _, eventType := range eventTypes {
		if err := c.subscribeRemote(eventType); err != nil {
			c.logger.Warn("Failed to subscribe to events",
				zap.String("event_type", eventType), zap.Error(err))
		}
	}
}

// subscribeRemote sends a subscribe_events request for the event type unless
// one is already registered on this connection
func (c *Client) subscribeRemote(eventType string) error {
	c.subsMu.Lock()
	if c.remoteSubs[eventType] {
		c.subsMu.Unlock()
		return nil
	}
	c.remoteSubs[eventType] = true
	c.subsMu.Unlock()

	req := &SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: eventType,
	}

	if _, err := c.sendMessage(req); err != nil {
		c.subsMu.Lock()
		delete(c.remoteSubs, eventType)
		c.subsMu.Unlock()
		return err
	}

	return nil
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	req := &GetStatesRequest{
		ID:   c.nextMsgID(),
		Type: "get_states",
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// GetServices retrieves the service registry, keyed by domain then service name
func (c *Client) GetServices() (map[string]map[string]json.RawMessage, error) {
	req := &GetServicesRequest{
		ID:   c.nextMsgID(),
		Type: "get_services",
	}

	resp, err := c.sendMessage(req)
	if err != nil {
		return nil, err
	}

	var services map[string]map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal services: %w", err)
	}

	return services, nil
}

// CallService calls a Home Assistant service. With wait set, the call blocks
// until Home Assistant reports the outcome and surfaces any error; without
// it the frame is written and the result is not awaited.
func (c *Client) CallService(domain, service string, data map[string]interface{}, wait bool) error {
	req := &CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	if !wait {
		c.connMu.RLock()
		if !c.connected {
			c.connMu.RUnlock()
			return fmt.Errorf("not connected")
		}
		conn := c.conn
		c.connMu.RUnlock()

		c.writeMu.Lock()
		err := conn.WriteJSON(req)
		c.writeMu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		return nil
	}

	_, err := c.sendMessage(req)
	return err
}

// SubscribeEvents subscribes a handler to a Home Assistant event type.
// The first subscription for an event type registers it on the wire;
// further ones only add local handlers.
func (c *Client) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	c.nextSubIDMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.nextSubIDMu.Unlock()

	c.subsMu.Lock()
	c.subscribers[eventType] = append(c.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	if c.IsConnected() {
		if err := c.subscribeRemote(eventType); err != nil {
			c.unsubscribe(eventType, subID)
			return nil, err
		}
	}

	return &subscription{
		eventType: eventType,
		subID:     subID,
		client:    c,
	}, nil
}

// unsubscribe removes a specific subscription by event type and subscription ID
func (c *Client) unsubscribe(eventType string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[eventType]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)

			if len(c.subscribers[eventType]) == 0 {
				delete(c.subscribers, eventType)
			}
			break
		}
	}

	return nil
}

// subscription implements Subscription interface
type subscription struct {
	eventType string
	subID     int
	client    *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.eventType, s.subID)
}
