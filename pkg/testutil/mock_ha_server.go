// Package testutil provides a mock Home Assistant WebSocket server and
// helpers for writing integration tests against the real client.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex and the
// set of event types this connection subscribed to
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]bool
	subsMu  sync.Mutex
}

func (w *connWrapper) subscribe(eventType string) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	w.subs[eventType] = true
}

func (w *connWrapper) subscribed(eventType string) bool {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	return w.subs[eventType]
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server        *http.Server
	addr          string
	token         string
	states        map[string]*EntityState
	statesMu      sync.RWMutex
	services      map[string]map[string]json.RawMessage
	servicesMu    sync.RWMutex
	connections   []*connWrapper
	connsMu       sync.Mutex
	serviceCalls  []ServiceCall
	serviceErrors map[string]error
	callsMu       sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// ErrorInfo represents an error payload on a failed result
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// AuthMessage represents an authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a service call
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

type idRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// NewMockHAServer creates a new mock HA server
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:          addr,
		token:         token,
		states:        make(map[string]*EntityState),
		services:      make(map[string]map[string]json.RawMessage),
		connections:   make([]*connWrapper, 0),
		serviceCalls:  make([]ServiceCall, 0),
		serviceErrors: make(map[string]error),
	}
}

// Start starts the mock server
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock server
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets an entity state
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetService registers a service in the mock service registry
func (s *MockHAServer) SetService(domain, service string) {
	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()

	if s.services[domain] == nil {
		s.services[domain] = make(map[string]json.RawMessage)
	}
	s.services[domain][service] = json.RawMessage(`{}`)
}

// FailService makes every subsequent call to domain.service fail with err.
// Pass nil to clear the injected failure.
func (s *MockHAServer) FailService(domain, service string, err error) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	key := domain + "." + service
	if err == nil {
		delete(s.serviceErrors, key)
		return
	}
	s.serviceErrors[key] = err
}

// FireEvent broadcasts an event to every connection subscribed to its type
func (s *MockHAServer) FireEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: eventType,
			Data:      payload,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		if !wrapper.subscribed(eventType) {
			continue
		}
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}

	return nil
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn, subs: make(map[string]bool)}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	// Send auth_required
	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_required"})
	wrapper.writeMu.Unlock()

	// Receive auth
	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("Failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeMu.Lock()
		conn.WriteJSON(Message{Type: "auth_invalid"})
		wrapper.writeMu.Unlock()
		return
	}

	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_ok"})
	wrapper.writeMu.Unlock()

	// Handle messages
	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "subscribe_events":
			s.handleSubscribeEvents(wrapper, msg)
		case "get_states":
			s.handleGetStates(wrapper, msg)
		case "get_services":
			s.handleGetServices(wrapper, msg)
		case "call_service":
			s.handleCallService(wrapper, msg)
		}
	}
}

// handleSubscribeEvents records the subscription on the connection
func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, msg json.RawMessage) {
	var req SubscribeEventsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	wrapper.subscribe(req.EventType)

	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
	})
	wrapper.writeMu.Unlock()
}

// handleGetStates handles get_states requests
func (s *MockHAServer) handleGetStates(wrapper *connWrapper, msg json.RawMessage) {
	var req idRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
		Result:  statesJSON,
	})
	wrapper.writeMu.Unlock()
}

// handleGetServices handles get_services requests
func (s *MockHAServer) handleGetServices(wrapper *connWrapper, msg json.RawMessage) {
	var req idRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.servicesMu.RLock()
	servicesJSON, _ := json.Marshal(s.services)
	s.servicesMu.RUnlock()

	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{
		ID:      req.ID,
		Type:    "result",
		Success: &success,
		Result:  servicesJSON,
	})
	wrapper.writeMu.Unlock()
}

// handleCallService records the call and reports any injected failure
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	injectedErr := s.serviceErrors[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	resp := Message{ID: req.ID, Type: "result"}
	success := injectedErr == nil
	resp.Success = &success
	if injectedErr != nil {
		resp.Error = &ErrorInfo{
			Code:    "service_failed",
			Message: injectedErr.Error(),
		}
	}

	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(resp)
	wrapper.writeMu.Unlock()
}

// GetServiceCalls returns all service calls since the last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts service calls matching domain and service
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	count := 0
	for _, call := range s.serviceCalls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}
