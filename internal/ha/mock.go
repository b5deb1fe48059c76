package ha

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states        map[string]*State
	statesMu      sync.RWMutex
	services      map[string]map[string]json.RawMessage
	servicesMu    sync.RWMutex
	subscribers   map[string][]subscriberEntry
	subsMu        sync.RWMutex
	nextSubID     int
	nextSubIDMu   sync.Mutex
	connected     bool
	connMu        sync.RWMutex
	serviceCalls  []ServiceCall
	serviceErrors map[string]error
	callsMu       sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Wait    bool
	Time    time.Time
}

// mockSubscription implements Subscription interface for MockClient
type mockSubscription struct {
	eventType string
	subID     int
	mock      *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.eventType, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:        make(map[string]*State),
		services:      make(map[string]map[string]json.RawMessage),
		subscribers:   make(map[string][]subscriberEntry),
		serviceCalls:  make([]ServiceCall, 0),
		serviceErrors: make(map[string]error),
		connected:     false,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()

	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// GetServices returns the mock service registry
func (m *MockClient) GetServices() (map[string]map[string]json.RawMessage, error) {
	m.servicesMu.RLock()
	defer m.servicesMu.RUnlock()

	services := make(map[string]map[string]json.RawMessage, len(m.services))
	for domain, svcs := range m.services {
		copied := make(map[string]json.RawMessage, len(svcs))
		for name, desc := range svcs {
			copied[name] = desc
		}
		services[domain] = copied
	}

	return services, nil
}

// CallService records a service call, returning any injected failure
func (m *MockClient) CallService(domain, service string, data map[string]interface{}, wait bool) error {
	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Wait:    wait,
		Time:    time.Now(),
	})
	err := m.serviceErrors[domain+"."+service]
	m.callsMu.Unlock()

	return err
}

// SubscribeEvents subscribes a handler to an event type
func (m *MockClient) SubscribeEvents(eventType string, handler EventHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[eventType] = append(m.subscribers[eventType], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		eventType: eventType,
		subID:     subID,
		mock:      m,
	}, nil
}

// unsubscribe removes a specific subscription by event type and subscription ID
func (m *MockClient) unsubscribe(eventType string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[eventType]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)

			if len(m.subscribers[eventType]) == 0 {
				delete(m.subscribers, eventType)
			}
			break
		}
	}

	return nil
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetService registers a service in the mock service registry
func (m *MockClient) SetService(domain, service string) {
	m.servicesMu.Lock()
	defer m.servicesMu.Unlock()

	if m.services[domain] == nil {
		m.services[domain] = make(map[string]json.RawMessage)
	}
	m.services[domain][service] = json.RawMessage(`{}`)
}

// FailService makes every subsequent call to domain.service return err.
// Pass nil to clear the injected failure.
func (m *MockClient) FailService(domain, service string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	key := domain + "." + service
	if err == nil {
		delete(m.serviceErrors, key)
		return
	}
	m.serviceErrors[key] = err
}

// FireEvent delivers a synthetic event to all handlers subscribed to its
// type. Handlers run synchronously on the calling goroutine.
func (m *MockClient) FireEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[eventType]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(eventType, payload)
	}

	return nil
}

// SubscriberCount returns the number of handlers subscribed to an event type
func (m *MockClient) SubscriberCount(eventType string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[eventType])
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}
