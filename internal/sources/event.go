// Package sources normalizes the different ways an Alarmo code change can
// surface in Home Assistant into one canonical change event stream.
package sources

import (
	"encoding/json"

	"locksync/internal/ha"
)

// Kind classifies a change event
type Kind int

const (
	// Upsert means the name now has this code: create or update its slot
	Upsert Kind = iota + 1

	// Revoke means the name's code should be removed from the lock
	Revoke
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case Upsert:
		return "upsert"
	case Revoke:
		return "revoke"
	default:
		return "unknown"
	}
}

// ChangeEvent is a normalized user code change. Code is set only for
// upserts. Events are ephemeral: consumed by the coordinator, never stored.
type ChangeEvent struct {
	Kind Kind
	Name string
	Code string
}

// Valid reports whether the event carries everything its kind requires
func (e ChangeEvent) Valid() bool {
	if e.Name == "" {
		return false
	}
	if e.Kind == Upsert {
		return e.Code != ""
	}
	return e.Kind == Revoke
}

// Emit hands a normalized event to the coordinator
type Emit func(ChangeEvent)

// Source is one upstream signal shape feeding the bridge. Start must be
// idempotent: a second call on a started source is a no-op. Sources are
// strictly additive observers; they never alter the signal they watch.
type Source interface {
	Name() string
	Start(emit Emit) error
	Stop()
}

// EventBus is the slice of the HA client the sources need
type EventBus interface {
	SubscribeEvents(eventType string, handler ha.EventHandler) (ha.Subscription, error)
	GetServices() (map[string]map[string]json.RawMessage, error)
}
