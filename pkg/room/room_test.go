package room

import (
	"encoding/json"
	"testing"
	"time"

	"collab-canvas/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(id, clientID string) *Client {
	return &Client{
		ID:       id,
		ClientID: clientID,
		Name:     clientID,
		Send:     make(chan []byte, 16),
	}
}

func recvPresence(t *testing.T, c *Client) *protocol.Presence {
	t.Helper()
	select {
	case data := <-c.Send:
		var p protocol.Presence
		require.NoError(t, json.Unmarshal(data, &p))
		require.Equal(t, protocol.TypePresence, p.Type)
		return &p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence")
		return nil
	}
}

func TestGetOrCreateReturnsSameRoom(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	r1 := m.GetOrCreate("s1")
	r2 := m.GetOrCreate("s1")
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, m.Count())

	// Keep the run loop from lingering after the test.
	c := newTestClient("conn1", "c1")
	require.True(t, r1.Join(c))
	r1.Leave(c)
}

func TestJoinBroadcastsPresenceToEveryone(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	r := m.GetOrCreate("s1")

	a := newTestClient("conn-a", "alice")
	require.True(t, r.Join(a))

	p := recvPresence(t, a)
	assert.Equal(t, "alice", p.SelfID)
	require.Len(t, p.Peers, 1)

	b := newTestClient("conn-b", "bob")
	require.True(t, r.Join(b))

	// Both clients hear about the join, each with its own selfId.
	pa := recvPresence(t, a)
	assert.Equal(t, "alice", pa.SelfID)
	assert.Len(t, pa.Peers, 2)

	pb := recvPresence(t, b)
	assert.Equal(t, "bob", pb.SelfID)
	assert.Len(t, pb.Peers, 2)

	r.Leave(b)
	pa = recvPresence(t, a)
	require.Len(t, pa.Peers, 1)
	assert.Equal(t, "alice", pa.Peers[0].ID)

	r.Leave(a)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	r := m.GetOrCreate("s1")

	a := newTestClient("conn-a", "alice")
	b := newTestClient("conn-b", "bob")
	require.True(t, r.Join(a))
	require.True(t, r.Join(b))

	// Drain the presence traffic from the two joins.
	recvPresence(t, a)
	recvPresence(t, a)
	recvPresence(t, b)

	r.Broadcast([]byte(`{"type":"update"}`))

	for _, c := range []*Client{a, b} {
		select {
		case data := <-c.Send:
			assert.JSONEq(t, `{"type":"update"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast did not reach client")
		}
	}

	r.Leave(a)
	r.Leave(b)
}

func TestRoomDiscardedWhenEmpty(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	r := m.GetOrCreate("s1")

	c := newTestClient("conn1", "c1")
	require.True(t, r.Join(c))
	r.Leave(c)

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("room did not shut down after last leave")
	}
	assert.Equal(t, 0, m.Count())

	// Joining the dead room fails; the manager hands out a fresh one.
	assert.False(t, r.Join(newTestClient("conn2", "c2")))
	fresh := m.GetOrCreate("s1")
	assert.NotSame(t, r, fresh)

	c3 := newTestClient("conn3", "c3")
	require.True(t, fresh.Join(c3))
	fresh.Leave(c3)
}

func TestLeaveClosesSendChannel(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	r := m.GetOrCreate("s1")

	c := newTestClient("conn1", "c1")
	require.True(t, r.Join(c))
	recvPresence(t, c)

	r.Leave(c)

	select {
	case _, ok := <-c.Send:
		assert.False(t, ok, "send channel should be closed after leave")
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
}
