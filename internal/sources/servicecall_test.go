package sources

import (
	"testing"

	"locksync/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startServiceCallSource(t *testing.T) (*ha.MockClient, *[]ChangeEvent) {
	t.Helper()

	mockHA := ha.NewMockClient()
	src := NewServiceCallSource(mockHA, zap.NewNop())

	var events []ChangeEvent
	require.NoError(t, src.Start(func(ev ChangeEvent) {
		events = append(events, ev)
	}))
	t.Cleanup(src.Stop)

	return mockHA, &events
}

func TestServiceCallEnableUser(t *testing.T) {
	mockHA, events := startServiceCallSource(t)

	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":  "alarmo",
		"service": "enable_user",
		"service_data": map[string]interface{}{
			"name": "alice",
			"code": "1234",
		},
	})

	require.Len(t, *events, 1)
	assert.Equal(t, ChangeEvent{Kind: Upsert, Name: "alice", Code: "1234"}, (*events)[0])
}

func TestServiceCallDisableUser(t *testing.T) {
	mockHA, events := startServiceCallSource(t)

	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":  "alarmo",
		"service": "disable_user",
		"service_data": map[string]interface{}{
			"name": "alice",
		},
	})

	require.Len(t, *events, 1)
	assert.Equal(t, ChangeEvent{Kind: Revoke, Name: "alice"}, (*events)[0])
}

func TestServiceCallIgnoresOtherDomains(t *testing.T) {
	mockHA, events := startServiceCallSource(t)

	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":  "light",
		"service": "turn_on",
		"service_data": map[string]interface{}{
			"entity_id": "light.kitchen",
		},
	})

	assert.Empty(t, *events)
}

func TestServiceCallIgnoresMalformedCalls(t *testing.T) {
	mockHA, events := startServiceCallSource(t)

	// Missing name
	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":       "alarmo",
		"service":      "enable_user",
		"service_data": map[string]interface{}{"code": "1234"},
	})

	// Upsert missing code
	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":       "alarmo",
		"service":      "enable_user",
		"service_data": map[string]interface{}{"name": "alice"},
	})

	// Unrelated alarmo service
	mockHA.FireEvent("call_service", map[string]interface{}{
		"domain":       "alarmo",
		"service":      "arm",
		"service_data": map[string]interface{}{"name": "alice"},
	})

	assert.Empty(t, *events)
}

func TestServiceCallStartIsIdempotent(t *testing.T) {
	mockHA := ha.NewMockClient()
	src := NewServiceCallSource(mockHA, zap.NewNop())
	defer src.Stop()

	emit := func(ChangeEvent) {}
	require.NoError(t, src.Start(emit))
	require.NoError(t, src.Start(emit))

	assert.Equal(t, 1, mockHA.SubscriberCount("call_service"))
}

func TestServiceCallStopReleasesSubscription(t *testing.T) {
	mockHA := ha.NewMockClient()
	src := NewServiceCallSource(mockHA, zap.NewNop())

	require.NoError(t, src.Start(func(ChangeEvent) {}))
	src.Stop()

	assert.Equal(t, 0, mockHA.SubscriberCount("call_service"))
}
