package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLedger(t *testing.T, store Store, maxSlot int) *Ledger {
	t.Helper()

	l, err := New(store, maxSlot, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAllocateSmallestFreeSlot(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 254)

	slot, err := l.AllocateOrGet("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	slot, err = l.AllocateOrGet("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	slot, err = l.AllocateOrGet("carol")
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
}

func TestAllocateFillsGaps(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 254)

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := l.AllocateOrGet(name)
		require.NoError(t, err)
	}

	l.Release("bob")

	// The freed slot 2 is the smallest gap and must win
	slot, err := l.AllocateOrGet("dave")
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	slot, err = l.AllocateOrGet("erin")
	require.NoError(t, err)
	assert.Equal(t, 4, slot)
}

func TestAllocateIsIdempotentPerName(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 254)

	first, err := l.AllocateOrGet("alice")
	require.NoError(t, err)

	// A code rotation must never move the user to a different slot
	again, err := l.AllocateOrGet("alice")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, l.Len())
}

func TestDistinctNamesGetDistinctSlots(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 254)

	seen := make(map[int]string)
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("user%02d", i)
		slot, err := l.AllocateOrGet(name)
		require.NoError(t, err)

		holder, taken := seen[slot]
		require.False(t, taken, "slot %d assigned to both %s and %s", slot, holder, name)
		seen[slot] = name
	}
}

func TestReleaseUnknownNameIsNoOp(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 254)

	l.Release("ghost")
	assert.Equal(t, 0, l.Len())
}

func TestCapacityExhausted(t *testing.T) {
	l := newTestLedger(t, NewMemoryStore(), 3)

	for i := 1; i <= 3; i++ {
		slot, err := l.AllocateOrGet(fmt.Sprintf("user%d", i))
		require.NoError(t, err)
		assert.Equal(t, i, slot)
	}

	_, err := l.AllocateOrGet("overflow")
	require.ErrorIs(t, err, ErrSlotsExhausted)

	// The failed allocation must not leave a partial entry behind
	assert.Equal(t, 3, l.Len())
	_, ok := l.Slot("overflow")
	assert.False(t, ok)

	// Existing reservations still resolve after exhaustion
	slot, err := l.AllocateOrGet("user2")
	require.NoError(t, err)
	assert.Equal(t, 2, slot)
}

func TestPersistedAfterMutation(t *testing.T) {
	store := NewMemoryStore()
	l, err := New(store, 254, zap.NewNop())
	require.NoError(t, err)

	_, err = l.AllocateOrGet("alice")
	require.NoError(t, err)
	l.Release("alice")
	_, err = l.AllocateOrGet("bob")
	require.NoError(t, err)

	// Close flushes the final write
	l.Close()

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bob": 1}, saved)
	assert.Greater(t, store.Saves(), 0)
}

func TestRoundTripThroughStore(t *testing.T) {
	store := NewMemoryStore()

	l, err := New(store, 254, zap.NewNop())
	require.NoError(t, err)
	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := l.AllocateOrGet(name)
		require.NoError(t, err)
	}
	want := l.Entries()
	l.Close()

	reloaded := newTestLedger(t, store, 254)
	assert.Equal(t, want, reloaded.Entries())
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(fmt.Errorf("disk full"))

	l, err := New(store, 254, zap.NewNop())
	require.NoError(t, err)

	// Mutations keep working; memory stays authoritative
	slot, err := l.AllocateOrGet("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	l.Close()

	assert.Equal(t, 1, l.Len())
}

func TestLoadDropsInvalidEntries(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(map[string]int{
		"alice": 1,
		"bob":   300, // out of range
		"carol": 0,   // out of range
		"dave":  1,   // duplicate of alice's slot
		"erin":  2,
		"":      3,   // empty name
	})

	l := newTestLedger(t, store, 254)

	assert.Equal(t, map[string]int{"alice": 1, "erin": 2}, l.Entries())
}

func TestAllLogsCarryLedgerComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	store := NewMemoryStore()
	store.Seed(map[string]int{"alice": 1, "bob": 300})

	l, err := New(store, 254, zap.New(core))
	require.NoError(t, err)

	_, err = l.AllocateOrGet("carol")
	require.NoError(t, err)
	l.Close()

	// Load-time warnings included: every entry is tagged with the component
	entries := logs.All()
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.Equal(t, "ledger", entry.LoggerName, entry.Message)
	}
}

func TestNewRejectsBadMaxSlot(t *testing.T) {
	_, err := New(NewMemoryStore(), 0, zap.NewNop())
	require.Error(t, err)
}
