package sources

import (
	"encoding/json"
	"sync"

	"locksync/internal/ha"

	"go.uber.org/zap"
)

// Alarmo's integration domain and the user-mutation services it exposes
const (
	AlarmoDomain       = "alarmo"
	enableUserService  = "enable_user"
	disableUserService = "disable_user"
)

// ServiceCallSource watches every service invocation on the Home Assistant
// bus and picks out Alarmo's user-mutation calls. It only observes: the
// intercepted call has already run with its full side effects by the time
// the bus event arrives.
type ServiceCallSource struct {
	client  EventBus
	logger  *zap.Logger
	mu      sync.Mutex
	started bool
	sub     ha.Subscription
}

// NewServiceCallSource creates the service interception source
func NewServiceCallSource(client EventBus, logger *zap.Logger) *ServiceCallSource {
	return &ServiceCallSource{
		client: client,
		logger: logger.Named("source.service_call"),
	}
}

// Name returns the source identifier
func (s *ServiceCallSource) Name() string {
	return "service_call"
}

// Start subscribes to the call_service bus event. Calling Start on a
// started source is a no-op.
func (s *ServiceCallSource) Start(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Debug("Already started, skipping")
		return nil
	}

	sub, err := s.client.SubscribeEvents("call_service", func(eventType string, data json.RawMessage) {
		s.handle(data, emit)
	})
	if err != nil {
		return err
	}

	s.sub = sub
	s.started = true
	s.logger.Info("Watching alarmo service calls")
	return nil
}

// Stop releases the event subscription
func (s *ServiceCallSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.started = false
}

// handle filters and normalizes one call_service event. Calls from other
// domains and calls missing required fields pass through silently; the bus
// carries far more traffic than the bridge cares about.
func (s *ServiceCallSource) handle(data json.RawMessage, emit Emit) {
	var event ha.ServiceCallEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Debug("Ignoring unparsable call_service event", zap.Error(err))
		return
	}

	if event.Domain != AlarmoDomain {
		return
	}

	name, _ := event.ServiceData["name"].(string)
	if name == "" {
		s.logger.Debug("Ignoring alarmo call without user name",
			zap.String("service", event.Service))
		return
	}

	switch event.Service {
	case enableUserService:
		code, _ := event.ServiceData["code"].(string)
		if code == "" {
			s.logger.Debug("Ignoring enable_user call without code",
				zap.String("name", name))
			return
		}
		emit(ChangeEvent{Kind: Upsert, Name: name, Code: code})

	case disableUserService:
		emit(ChangeEvent{Kind: Revoke, Name: name})
	}
}
