package sources

import (
	"encoding/json"
	"sync"

	"locksync/internal/ha"

	"go.uber.org/zap"
)

// userUpdateEvent is the payload Alarmo attaches to its user-change events.
// The code field carries the plaintext PIN, which is only available at this
// point; Alarmo stores a hash.
type userUpdateEvent struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Enabled bool   `json:"enabled"`
	Remove  bool   `json:"remove"`
}

// capturePoint is one known Alarmo integration point: the event its user
// writes fire, and the service whose presence in the registry confirms
// that this Alarmo generation is the one installed.
type capturePoint struct {
	eventType      string
	confirmService string
}

// capturePoints is the ordered probe list, newest Alarmo generation first.
// The event names changed between releases; the confirming service pins
// down which generation is installed so only one stream is subscribed.
var capturePoints = []capturePoint{
	{eventType: "alarmo_user_updated", confirmService: "enable_user"},
	{eventType: "alarmo_users_updated", confirmService: "save_user"},
}

// DirectCaptureSource observes Alarmo's own user-change events, which fire
// even when a code is edited in the UI and never crosses the service bus.
// At start it probes the ordered list of known integration points against
// the service registry; when none matches (or Alarmo is not installed at
// all) only this source is disabled, reported once, and the other sources
// carry on.
type DirectCaptureSource struct {
	client  EventBus
	logger  *zap.Logger
	mu      sync.Mutex
	started bool
	sub     ha.Subscription
}

// NewDirectCaptureSource creates the direct capture source
func NewDirectCaptureSource(client EventBus, logger *zap.Logger) *DirectCaptureSource {
	return &DirectCaptureSource{
		client: client,
		logger: logger.Named("source.direct_capture"),
	}
}

// Name returns the source identifier
func (s *DirectCaptureSource) Name() string {
	return "direct_capture"
}

// Start probes for a usable integration point and subscribes to it.
// Calling Start on a started source is a no-op. A failed probe is not an
// error: the source degrades to disabled with a single diagnostic.
func (s *DirectCaptureSource) Start(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.logger.Debug("Already started, skipping")
		return nil
	}

	point, ok := s.probe()
	if !ok {
		// Reported once here, not per event
		s.logger.Warn("No usable alarmo integration point found, direct capture disabled")
		s.started = true
		return nil
	}

	sub, err := s.client.SubscribeEvents(point.eventType, func(eventType string, data json.RawMessage) {
		s.handle(data, emit)
	})
	if err != nil {
		return err
	}

	s.sub = sub
	s.started = true
	s.logger.Info("Watching alarmo user updates",
		zap.String("event_type", point.eventType))
	return nil
}

// Stop releases the event subscription
func (s *DirectCaptureSource) Stop() {
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

// probe checks the service registry for an installed Alarmo and returns
// the first capture point its generation supports
func (s *DirectCaptureSource) probe() (capturePoint, bool) {
	services, err := s.client.GetServices()
	if err != nil {
		s.logger.Warn("Failed to read service registry", zap.Error(err))
		return capturePoint{}, false
	}

	alarmo, ok := services[AlarmoDomain]
	if !ok {
		return capturePoint{}, false
	}

	for _, point := range capturePoints {
		if _, ok := alarmo[point.confirmService]; ok {
			return point, true
		}
	}

	return capturePoint{}, false
}

// handle normalizes one user-update event. Updates without a plaintext
// code cannot be pushed to the lock and are skipped; disable and remove
// both become revokes.
func (s *DirectCaptureSource) handle(data json.RawMessage, emit Emit) {
	var event userUpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Debug("Ignoring unparsable user update event", zap.Error(err))
		return
	}

	if event.Name == "" {
		s.logger.Debug("Ignoring user update without name")
		return
	}

	if event.Remove || !event.Enabled {
		emit(ChangeEvent{Kind: Revoke, Name: event.Name})
		return
	}

	if event.Code == "" {
		s.logger.Debug("Ignoring user update without plaintext code",
			zap.String("name", event.Name))
		return
	}

	emit(ChangeEvent{Kind: Upsert, Name: event.Name, Code: event.Code})
}
