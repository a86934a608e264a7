// Package protocol defines the JSON messages exchanged over a session
// websocket. Every message carries a "type" discriminator; DecodeServer and
// DecodeUpdateRequest give callers concrete structs to switch on instead of
// poking at raw maps.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collab-canvas/pkg/merge"
)

const (
	TypeSync     = "sync"
	TypeUpdate   = "update"
	TypePresence = "presence"
)

// ErrMalformed marks a message that fails basic shape validation. The gateway
// drops these silently; the client's next debounced send retries.
var ErrMalformed = errors.New("malformed message")

// Meta is the display metadata a session carries alongside its state.
type Meta struct {
	Name      string     `json:"name,omitempty"`
	OwnerID   string     `json:"ownerId,omitempty"`
	SavedAt   *time.Time `json:"savedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// UpdateRequest is the single client-to-server message: a full state snapshot
// tagged with the sender's stable client id and a per-send request id.
type UpdateRequest struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId"`
	RequestID string          `json:"requestId"`
	State     *merge.Snapshot `json:"state"`
}

// Sync carries the canonical document, sent once right after connect.
type Sync struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	State   merge.Snapshot `json:"state"`
	Version int            `json:"version"`
	Meta    Meta           `json:"meta"`
}

// UpdateBroadcast carries a freshly merged document to every room member,
// including the sender, who treats its own echo as an acknowledgment.
type UpdateBroadcast struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	State          merge.Snapshot `json:"state"`
	Version        int            `json:"version"`
	Meta           Meta           `json:"meta"`
	SourceClientID string         `json:"sourceClientId"`
	RequestID      string         `json:"requestId"`
}

// Peer describes one live room member.
type Peer struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AvatarSeed string `json:"avatarSeed,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Registered bool   `json:"registered"`
}

// Presence lists all current room members. SelfID differs per recipient so a
// client can pick itself out of the list.
type Presence struct {
	Type   string `json:"type"`
	SelfID string `json:"selfId"`
	Peers  []Peer `json:"peers"`
}

// ServerMessage is implemented by every server-to-client message.
type ServerMessage interface{ serverMessage() }

func (*Sync) serverMessage()            {}
func (*UpdateBroadcast) serverMessage() {}
func (*Presence) serverMessage()        {}

// DecodeServer decodes a server-to-client frame into its concrete type.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeSync:
		var m Sync
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &m, nil
	case TypeUpdate:
		var m UpdateBroadcast
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &m, nil
	case TypePresence:
		var m Presence
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

// DecodeUpdateRequest decodes and validates a client-to-server frame. It
// requires the update type tag, a client id, a request id, and a state
// snapshot; anything else is ErrMalformed.
func DecodeUpdateRequest(data []byte) (*UpdateRequest, error) {
	var m UpdateRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type != TypeUpdate {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformed, m.Type)
	}
	if m.ClientID == "" || m.RequestID == "" || m.State == nil {
		return nil, fmt.Errorf("%w: missing clientId, requestId or state", ErrMalformed)
	}
	return &m, nil
}
