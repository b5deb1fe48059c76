package ha

import (
	"encoding/json"
	"time"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// GetServicesRequest represents a get_services request
type GetServicesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// ServiceCallEvent is the payload of Home Assistant's call_service bus event.
// It describes a service invocation that some other component performed.
type ServiceCallEvent struct {
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
}

// EventHandler is called when a subscribed event is received. The raw
// payload is handed over as-is; handlers decode the shape they expect.
type EventHandler func(eventType string, data json.RawMessage)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}
