package room

import (
	"encoding/json"
	"sync"

	"collab-canvas/pkg/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client represents one live connection in a room.
type Client struct {
	ID         string // server-assigned connection id
	ClientID   string // client-chosen stable id, used for echo suppression
	UserID     string // optional authenticated identity
	Name       string
	AvatarSeed string
	AvatarURL  string
	Conn       *websocket.Conn
	Room       *Room
	Send       chan []byte
}

// Registered reports whether the client carries an authenticated identity.
func (c *Client) Registered() bool { return c.UserID != "" }

// Room is the set of live connections subscribed to one session's broadcasts.
// A single run goroutine owns membership changes; everything reaches it
// through the register/unregister/broadcast channels.
type Room struct {
	ID         string
	clients    map[string]*Client // by connection id
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	manager    *Manager
	logger     *zap.Logger
	mutex      sync.RWMutex
}

// Manager tracks all live rooms by session id.
type Manager struct {
	rooms  map[string]*Room
	mutex  sync.RWMutex
	logger *zap.Logger
}

// NewManager creates an empty room manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// GetOrCreate returns the room for a session id, starting its run loop on
// first use.
func (m *Manager) GetOrCreate(sessionID string) *Room {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if r, ok := m.rooms[sessionID]; ok {
		return r
	}

	r := &Room{
		ID:         sessionID,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		manager:    m,
		logger:     m.logger.With(zap.String("sessionID", sessionID)),
	}
	m.rooms[sessionID] = r

	go r.run()

	return r
}

// Get returns the live room for a session id, if any.
func (m *Manager) Get(sessionID string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	r, ok := m.rooms[sessionID]
	return r, ok
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// remove drops the room entry; called by the run loop when the room empties.
func (m *Manager) remove(r *Room) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rooms[r.ID] == r {
		delete(m.rooms, r.ID)
	}
}

// run owns room membership. It exits, after deregistering the room, once the
// last client leaves.
func (r *Room) run() {
	for {
		select {
		case client := <-r.register:
			r.mutex.Lock()
			r.clients[client.ID] = client
			r.mutex.Unlock()
			r.logger.Info("client joined",
				zap.String("connectionID", client.ID),
				zap.String("clientID", client.ClientID))
			r.broadcastPresence()

		case client := <-r.unregister:
			r.mutex.Lock()
			_, ok := r.clients[client.ID]
			if ok {
				delete(r.clients, client.ID)
				close(client.Send)
			}
			empty := len(r.clients) == 0
			r.mutex.Unlock()
			if !ok {
				continue
			}
			r.logger.Info("client left",
				zap.String("connectionID", client.ID),
				zap.String("clientID", client.ClientID))
			if empty {
				r.manager.remove(r)
				close(r.done)
				return
			}
			r.broadcastPresence()

		case message := <-r.broadcast:
			r.send(message)
		}
	}
}

// Join registers a client. It returns false if the room has already shut
// down, in which case the caller should fetch a fresh room from the manager.
func (r *Room) Join(c *Client) bool {
	select {
	case r.register <- c:
		return true
	case <-r.done:
		return false
	}
}

// Leave removes a client; safe to call more than once and after shutdown.
func (r *Room) Leave(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// Broadcast queues a message for every client in the room, including the
// sender.
func (r *Room) Broadcast(message []byte) {
	select {
	case r.broadcast <- message:
	case <-r.done:
	}
}

// Peers returns the current room membership.
func (r *Room) Peers() []protocol.Peer {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	peers := make([]protocol.Peer, 0, len(r.clients))
	for _, client := range r.clients {
		peers = append(peers, protocol.Peer{
			ID:         client.ClientID,
			Name:       client.Name,
			AvatarSeed: client.AvatarSeed,
			AvatarURL:  client.AvatarURL,
			Registered: client.Registered(),
		})
	}

	return peers
}

// send fans a message out to every client, dropping it for clients whose send
// buffer is full; the ping cycle reaps those connections.
func (r *Room) send(message []byte) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, client := range r.clients {
		select {
		case client.Send <- message:
		default:
			r.logger.Warn("dropping message for slow client",
				zap.String("connectionID", client.ID))
		}
	}
}

// broadcastPresence sends each client its own view of the membership; selfId
// differs per recipient.
func (r *Room) broadcastPresence() {
	peers := r.Peers()

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, client := range r.clients {
		message, err := json.Marshal(protocol.Presence{
			Type:   protocol.TypePresence,
			SelfID: client.ClientID,
			Peers:  peers,
		})
		if err != nil {
			continue
		}
		select {
		case client.Send <- message:
		default:
		}
	}
}
