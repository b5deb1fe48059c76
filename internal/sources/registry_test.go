package sources

import (
	"testing"

	"locksync/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testFactory(name string) Factory {
	return func(deps Deps) (Source, error) {
		return NewPlainPinSource(deps.Client, deps.Logger.Named(name)), nil
	}
}

func TestRegistryRejectsInvalidInfo(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register(Info{Factory: testFactory("x")}))
	require.Error(t, r.Register(Info{Name: "x"}))
}

func TestRegistryRegistrationIsIdempotent(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "plain_pin", Factory: testFactory("a")}))
	require.NoError(t, r.Register(Info{Name: "plain_pin", Factory: testFactory("b")}))

	assert.Equal(t, []string{"plain_pin"}, r.Names())
	assert.Len(t, r.List(), 1)
}

func TestRegistryListsInStartupOrder(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "direct_capture", Order: 30, Factory: testFactory("c")}))
	require.NoError(t, r.Register(Info{Name: "service_call", Order: 10, Factory: testFactory("a")}))
	require.NoError(t, r.Register(Info{Name: "plain_pin", Order: 20, Factory: testFactory("b")}))

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "service_call", infos[0].Name)
	assert.Equal(t, "plain_pin", infos[1].Name)
	assert.Equal(t, "direct_capture", infos[2].Name)
}

func TestRegistryCreateAll(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Info{Name: "one", Order: 10, Factory: testFactory("one")}))
	require.NoError(t, r.Register(Info{Name: "two", Order: 20, Factory: testFactory("two")}))

	srcs, err := r.CreateAll(Deps{Client: ha.NewMockClient(), Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
}
