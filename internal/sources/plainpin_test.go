package sources

import (
	"testing"

	"locksync/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startPlainPinSource(t *testing.T) (*ha.MockClient, *[]ChangeEvent) {
	t.Helper()

	mockHA := ha.NewMockClient()
	src := NewPlainPinSource(mockHA, zap.NewNop())

	var events []ChangeEvent
	require.NoError(t, src.Start(func(ev ChangeEvent) {
		events = append(events, ev)
	}))
	t.Cleanup(src.Stop)

	return mockHA, &events
}

func TestPlainPinProducesUpsert(t *testing.T) {
	mockHA, events := startPlainPinSource(t)

	mockHA.FireEvent(PlainPinEventType, map[string]interface{}{
		"name": "alice",
		"pin":  "1234",
	})

	require.Len(t, *events, 1)
	assert.Equal(t, ChangeEvent{Kind: Upsert, Name: "alice", Code: "1234"}, (*events)[0])
}

func TestPlainPinIgnoresMissingFields(t *testing.T) {
	mockHA, events := startPlainPinSource(t)

	mockHA.FireEvent(PlainPinEventType, map[string]interface{}{"pin": "1234"})
	mockHA.FireEvent(PlainPinEventType, map[string]interface{}{"name": "alice"})

	assert.Empty(t, *events)
}

func TestPlainPinStartIsIdempotent(t *testing.T) {
	mockHA := ha.NewMockClient()
	src := NewPlainPinSource(mockHA, zap.NewNop())
	defer src.Stop()

	emit := func(ChangeEvent) {}
	require.NoError(t, src.Start(emit))
	require.NoError(t, src.Start(emit))

	assert.Equal(t, 1, mockHA.SubscriberCount(PlainPinEventType))
}
