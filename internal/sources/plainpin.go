package sources

import (
	"encoding/json"
	"sync"

	"locksync/internal/ha"

	"go.uber.org/zap"
)

// PlainPinEventType is the custom event fired by the front-end PIN capture
// card when a user taps in a new code.
const PlainPinEventType = "alarmo_plain_pin"

// plainPinEvent is the payload of an alarmo_plain_pin event
type plainPinEvent struct {
	Name string `json:"name"`
	Pin  string `json:"pin"`
}

// PlainPinSource turns front-end PIN capture events into upserts. There is
// no revoke shape on this channel; removing a code always goes through the
// alarm integration itself.
type PlainPinSource struct {
	client  EventBus
	logger  *zap.Logger
	mu      sync.Mutex
	started bool
	sub     ha.Subscription
}

// NewPlainPinSource creates the plain PIN source
func NewPlainPinSource(client EventBus, logger *zap.Logger) *PlainPinSource {
	return &PlainPinSource{
		client: client,
		logger: logger.Named("source.plain_pin"),
	}
}

// Name returns the source identifier
func (s *PlainPinSource) Name() string {
	return "plain_pin"
}

// Start subscribes to the plain PIN event. Calling Start on a started
// source is a no-op.
func (s *PlainPinSource) Start(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Debug("Already started, skipping")
		return nil
	}

	sub, err := s.client.SubscribeEvents(PlainPinEventType, func(eventType string, data json.RawMessage) {
		s.handle(data, emit)
	})
	if err != nil {
		return err
	}

	s.sub = sub
	s.started = true
	s.logger.Info("Watching plain PIN events")
	return nil
}

// Stop releases the event subscription
func (s *PlainPinSource) Stop() {
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

func (s *PlainPinSource) handle(data json.RawMessage, emit Emit) {
	var event plainPinEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Debug("Ignoring unparsable plain PIN event", zap.Error(err))
		return
	}

	if event.Name == "" || event.Pin == "" {
		s.logger.Debug("Ignoring plain PIN event with missing fields")
		return
	}

	emit(ChangeEvent{Kind: Upsert, Name: event.Name, Code: event.Pin})
}
