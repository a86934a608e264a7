package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"collab-canvas/pkg/config"
	"collab-canvas/pkg/db"
	"collab-canvas/pkg/merge"
	"collab-canvas/pkg/protocol"
	"collab-canvas/pkg/room"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// mergeTimeout bounds a single merge transaction, row-lock wait included.
const mergeTimeout = 10 * time.Second

// Handlers contains all HTTP and WebSocket handlers.
type Handlers struct {
	roomManager *room.Manager
	store       db.ISessionStore
	cfg         *config.Config
	logger      *zap.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(roomManager *room.Manager, store db.ISessionStore, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		roomManager: roomManager,
		store:       store,
		cfg:         cfg,
		logger:      logger,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced upstream
	},
}

// HandleWebSocket upgrades a connection for a session, sends the canonical
// snapshot and joins the client to the session's room. An unknown or expired
// session id closes the connection with a policy-violation reason.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	query := r.URL.Query()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context is unreliable once the connection is hijacked.
	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	sess, err := h.store.Get(ctx, sessionID)
	cancel()
	if err != nil {
		reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session not found")
		_ = conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(h.cfg.WriteWait))
		conn.Close()
		if !errors.Is(err, db.ErrSessionNotFound) {
			h.logger.Error("session lookup failed", zap.String("sessionID", sessionID), zap.Error(err))
		}
		return
	}

	clientID := query.Get("clientId")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	name := query.Get("name")
	if name == "" {
		name = "Anonymous"
	}

	client := &room.Client{
		ID:         uuid.New().String(),
		ClientID:   clientID,
		UserID:     query.Get("userId"),
		Name:       name,
		AvatarSeed: query.Get("avatarSeed"),
		AvatarURL:  query.Get("avatarUrl"),
		Conn:       conn,
		Send:       make(chan []byte, 256),
	}

	// Queue the sync before the pumps start so it is the first frame out.
	syncMsg, err := json.Marshal(protocol.Sync{
		Type:    protocol.TypeSync,
		ID:      sess.ID,
		State:   sess.State,
		Version: sess.Version,
		Meta:    sessionMeta(sess),
	})
	if err != nil {
		conn.Close()
		return
	}
	client.Send <- syncMsg

	// The room may shut down between lookup and join; retry on a fresh one.
	for {
		roomInstance := h.roomManager.GetOrCreate(sessionID)
		if roomInstance.Join(client) {
			client.Room = roomInstance
			break
		}
	}

	go h.writePump(client)
	go h.readPump(client)
}

// readPump reads frames from the connection until it dies. Pong deadlines
// enforce liveness: a peer that misses a ping gets its read aborted here,
// which tears the connection down and removes it from the room.
func (h *Handlers) readPump(c *room.Client) {
	defer func() {
		c.Room.Leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(h.cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed unexpectedly",
					zap.String("connectionID", c.ID), zap.Error(err))
			}
			return
		}

		req, err := protocol.DecodeUpdateRequest(message)
		if err != nil {
			// Malformed frames are dropped; the client's next debounced
			// send retries with current state.
			h.logger.Debug("dropping malformed message",
				zap.String("connectionID", c.ID), zap.Error(err))
			continue
		}

		h.handleUpdate(c, req)
	}
}

// writePump drains the send channel and pings on a fixed interval.
func (h *Handlers) writePump(c *room.Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleUpdate merges an incoming snapshot and broadcasts the result to the
// whole room, sender included, so the sender can treat its echo as an ack.
func (h *Handlers) handleUpdate(c *room.Client, req *protocol.UpdateRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	defer cancel()

	sess, err := h.store.MergeAndUpdate(ctx, c.Room.ID, *req.State)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			// Session expired mid-flight; drop silently.
			return
		}
		h.logger.Error("merge failed",
			zap.String("sessionID", c.Room.ID), zap.Error(err))
		return
	}

	message, err := json.Marshal(protocol.UpdateBroadcast{
		Type:           protocol.TypeUpdate,
		ID:             sess.ID,
		State:          sess.State,
		Version:        sess.Version,
		Meta:           sessionMeta(sess),
		SourceClientID: req.ClientID,
		RequestID:      req.RequestID,
	})
	if err != nil {
		return
	}

	c.Room.Broadcast(message)
}

func sessionMeta(sess *db.Session) protocol.Meta {
	return protocol.Meta{
		Name:      sess.Name,
		OwnerID:   sess.OwnerID,
		SavedAt:   sess.SavedAt,
		ExpiresAt: sess.ExpiresAt,
	}
}

// CreateSession creates a session, ephemeral by default, pinned on request.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string          `json:"id"`
		Name    string          `json:"name"`
		OwnerID string          `json:"ownerId"`
		Pinned  bool            `json:"pinned"`
		State   *merge.Snapshot `json:"state"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	var state merge.Snapshot
	if req.State != nil {
		state = *req.State
	}

	opts := db.CreateOptions{Name: req.Name, OwnerID: req.OwnerID}
	now := time.Now()
	if req.Pinned {
		opts.SavedAt = &now
	} else {
		expires := now.Add(h.cfg.SessionTTL)
		opts.ExpiresAt = &expires
	}

	sess, err := h.store.Create(r.Context(), id, state, opts)
	if err != nil {
		if errors.Is(err, db.ErrSessionExists) {
			http.Error(w, "Session already exists", http.StatusConflict)
			return
		}
		h.logger.Error("create session failed", zap.Error(err))
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// ListSessions returns all live sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("list sessions failed", zap.Error(err))
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

// GetSession returns one session by id.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get session failed", zap.String("sessionID", id), zap.Error(err))
		http.Error(w, "Failed to get session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// PinSession makes a session permanent.
func (h *Handlers) PinSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.store.Pin(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("pin session failed", zap.String("sessionID", id), zap.Error(err))
		http.Error(w, "Failed to pin session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// DeleteSession removes a session.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("delete session failed", zap.String("sessionID", id), zap.Error(err))
		http.Error(w, "Failed to delete session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetSessionPeers returns the live membership of a session's room.
func (h *Handlers) GetSessionPeers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	peers := []protocol.Peer{}
	if roomInstance, ok := h.roomManager.Get(id); ok {
		peers = roomInstance.Peers()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"peers":     peers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
