package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/realm/pkg/protocol"
)

func testRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.NewRegistryFrom(protocol.DefaultSchema(), nil)
	require.NoError(t, err)
	return reg
}

func stateMsg(reg *protocol.Registry, name string, id uint32, x, y float64, idle bool, step int32) *protocol.Message {
	return reg.MustCreate(name).
		With("object_id", id).
		With("x", x).
		With("y", y).
		With("facing", 0.0).
		With("relative", 0.0).
		With("idle", idle).
		With("step", step)
}

func TestMirrorVisibility(t *testing.T) {
	reg := testRegistry(t)
	m := newMirror(50)
	m.loggedIn(&LoginResult{ObjectID: 1, X: 1.5, Y: 1.5})

	m.observe(reg.MustCreate(protocol.MsgObjectVisible).
		With("object_id", uint32(7)).
		With("kind", uint8(2)).
		With("name", "guard").
		With("x", 3.0).
		With("y", 4.0))
	o, ok := m.Object(7)
	require.True(t, ok)
	assert.Equal(t, "guard", o.Name)
	assert.Nil(t, o.State)

	m.observe(stateMsg(reg, protocol.MsgActorState, 7, 3.5, 4.0, false, 12))
	o, _ = m.Object(7)
	require.NotNil(t, o.State)
	assert.Equal(t, 3.5, o.X)
	assert.Equal(t, int32(12), o.State.Step)

	// Returned objects are copies.
	o.State.Step = 99
	again, _ := m.Object(7)
	assert.Equal(t, int32(12), again.State.Step)

	// State for objects out of view is ignored.
	m.observe(stateMsg(reg, protocol.MsgActorState, 8, 0, 0, true, 0))
	assert.Len(t, m.Objects(), 1)

	m.observe(reg.MustCreate(protocol.MsgObjectInvisible).With("object_id", uint32(7)))
	assert.Empty(t, m.Objects())
}

func TestMirrorForcedStateReplacesPrediction(t *testing.T) {
	reg := testRegistry(t)
	m := newMirror(50)
	m.loggedIn(&LoginResult{ObjectID: 1, X: 1.5, Y: 1.5})
	assert.Equal(t, int32(0), m.Step())

	step := m.startMove(0, 0, false)
	assert.Equal(t, int32(0), step)
	time.Sleep(30 * time.Millisecond)
	assert.Positive(t, m.Step(), "moving actors count steps")

	m.observe(stateMsg(reg, protocol.MsgForcedState, 1, 1.01, 1.5, true, 4))
	self := m.Self()
	assert.True(t, self.Forced)
	assert.Equal(t, 1, self.Corrections)
	assert.Equal(t, 1.01, self.X)
	assert.Equal(t, int32(4), m.Step(), "idle actors stay on the forced step")

	assert.Equal(t, int32(4), m.startMove(0, 0, false), "the next intent resumes from the forced step")
	assert.False(t, m.Self().Forced)
}

func TestMirrorLogoutClearsObjects(t *testing.T) {
	reg := testRegistry(t)
	m := newMirror(50)
	m.loggedIn(&LoginResult{ObjectID: 1})
	m.observe(reg.MustCreate(protocol.MsgObjectVisible).
		With("object_id", uint32(2)).
		With("kind", uint8(1)).
		With("name", "bob").
		With("x", 0.0).
		With("y", 0.0))
	require.Len(t, m.Objects(), 1)

	m.loggedOut()
	assert.False(t, m.LoggedIn())
	assert.Empty(t, m.Objects())

	// Unrelated messages leave the mirror alone.
	m.observe(reg.MustCreate(protocol.MsgPingResponse).With("client_timestamp", int64(1)).With("server_timestamp", int64(2)))
	assert.Empty(t, m.Objects())
}
