package protocol

import (
	"encoding/json"
	"testing"

	"collab-canvas/pkg/merge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpdateRequest(t *testing.T) {
	raw := []byte(`{
		"type": "update",
		"clientId": "c1",
		"requestId": "r1",
		"state": {"nodes": [{"id": "n1", "updatedAt": 100}]}
	}`)

	req, err := DecodeUpdateRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "c1", req.ClientID)
	assert.Equal(t, "r1", req.RequestID)
	require.NotNil(t, req.State)
	require.Len(t, req.State.Nodes, 1)
	assert.Equal(t, "n1", req.State.Nodes[0].ID)
}

func TestDecodeUpdateRequestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"wrong type", `{"type":"sync","clientId":"c1","requestId":"r1","state":{}}`},
		{"missing clientId", `{"type":"update","requestId":"r1","state":{}}`},
		{"missing requestId", `{"type":"update","clientId":"c1","state":{}}`},
		{"missing state", `{"type":"update","clientId":"c1","requestId":"r1"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeUpdateRequest([]byte(tc.raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeServerDispatchesByType(t *testing.T) {
	syncRaw, err := json.Marshal(Sync{Type: TypeSync, ID: "s1", Version: 3})
	require.NoError(t, err)
	msg, err := DecodeServer(syncRaw)
	require.NoError(t, err)
	syncMsg, ok := msg.(*Sync)
	require.True(t, ok)
	assert.Equal(t, 3, syncMsg.Version)

	updateRaw, err := json.Marshal(UpdateBroadcast{
		Type:           TypeUpdate,
		ID:             "s1",
		Version:        4,
		SourceClientID: "c1",
		RequestID:      "r1",
		State:          merge.Snapshot{Nodes: []merge.Node{{ID: "n1", UpdatedAt: 1}}},
	})
	require.NoError(t, err)
	msg, err = DecodeServer(updateRaw)
	require.NoError(t, err)
	updateMsg, ok := msg.(*UpdateBroadcast)
	require.True(t, ok)
	assert.Equal(t, "c1", updateMsg.SourceClientID)

	presenceRaw, err := json.Marshal(Presence{Type: TypePresence, SelfID: "c1", Peers: []Peer{{ID: "c1"}}})
	require.NoError(t, err)
	msg, err = DecodeServer(presenceRaw)
	require.NoError(t, err)
	presenceMsg, ok := msg.(*Presence)
	require.True(t, ok)
	assert.Equal(t, "c1", presenceMsg.SelfID)

	_, err = DecodeServer([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}
