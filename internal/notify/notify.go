// Package notify raises user-visible notifications in Home Assistant.
package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Title used for every notification the bridge raises
const Title = "Alarmo ZHA Lock Sync"

// ServiceCaller is the slice of the HA client the notifier needs
type ServiceCaller interface {
	CallService(domain, service string, data map[string]interface{}, wait bool) error
}

// Notifier delivers a human-readable message to the user
type Notifier interface {
	Notify(message string)
}

// HANotifier creates persistent notifications through Home Assistant.
// Delivery is best effort: a notification that cannot be created is logged
// and dropped, never retried.
type HANotifier struct {
	client ServiceCaller
	logger *zap.Logger
}

// NewHANotifier creates a notifier backed by persistent_notification.create
func NewHANotifier(client ServiceCaller, logger *zap.Logger) *HANotifier {
	return &HANotifier{
		client: client,
		logger: logger.Named("notify"),
	}
}

// Notify creates a persistent notification with the bridge title
func (n *HANotifier) Notify(message string) {
	err := n.client.CallService("persistent_notification", "create", map[string]interface{}{
		"title":   Title,
		"message": message,
	}, false)
	if err != nil {
		n.logger.Warn("Failed to create notification",
			zap.String("message", message), zap.Error(err))
	}
}

// NopNotifier discards all notifications. Used in tests and when running
// without a notification surface.
type NopNotifier struct{}

// Notify does nothing
func (NopNotifier) Notify(string) {}

// Recorder captures notifications for test assertions. Safe for
// concurrent use; dispatches notify from their own goroutines.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

// Notify records the message
func (r *Recorder) Notify(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

// Messages returns all recorded notifications in order
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}
