// Package client implements the browser-side counterpart of the sync
// protocol: optimistic local state, debounced snapshot sends, echo
// suppression and reconnection with backoff. It runs the same merge as the
// server so both ends converge to the same fixed point once editing pauses.
package client

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"sync"
	"time"

	"collab-canvas/pkg/merge"
	"collab-canvas/pkg/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a Reconciler.
type Options struct {
	// ServerURL is the websocket base, e.g. "ws://localhost:8080".
	ServerURL string
	SessionID string
	// ClientID is the stable id used for echo suppression. Generated when
	// empty.
	ClientID   string
	Name       string
	AvatarSeed string
	AvatarURL  string

	// Debounce coalesces rapid local edits into one outgoing snapshot.
	Debounce time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
	// WriteWait is the per-message write deadline.
	WriteWait time.Duration

	Logger *zap.Logger

	// OnState is invoked whenever a remote change lands in local state. It is
	// never invoked for this client's own echoes.
	OnState func(merge.Snapshot)
	// OnPresence is invoked on room membership changes.
	OnPresence func(*protocol.Presence)
}

// Reconciler holds the optimistic local snapshot and keeps it converged with
// the server.
type Reconciler struct {
	opts Options
	url  string

	mu          sync.Mutex
	local       merge.Snapshot
	ackedVer    int
	dirty       bool
	synced      bool
	timer       *time.Timer
	conn        *websocket.Conn
	adoptRemote bool
}

// New creates a Reconciler; call Run to connect.
func New(opts Options) *Reconciler {
	if opts.ClientID == "" {
		opts.ClientID = uuid.New().String()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	query := url.Values{}
	query.Set("clientId", opts.ClientID)
	if opts.Name != "" {
		query.Set("name", opts.Name)
	}
	if opts.AvatarSeed != "" {
		query.Set("avatarSeed", opts.AvatarSeed)
	}
	if opts.AvatarURL != "" {
		query.Set("avatarUrl", opts.AvatarURL)
	}

	return &Reconciler{
		opts:  opts,
		url:   fmt.Sprintf("%s/ws/%s?%s", opts.ServerURL, opts.SessionID, query.Encode()),
		local: merge.Normalize(merge.Snapshot{}),
	}
}

// ClientID returns the id the reconciler identifies itself with.
func (r *Reconciler) ClientID() string { return r.opts.ClientID }

// Run connects and keeps the connection alive until ctx is canceled,
// retrying with exponential backoff capped at MaxBackoff. The backoff resets
// after every successful connect; the sync received on each connect repairs
// any broadcasts missed while disconnected.
func (r *Reconciler) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = r.opts.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			r.opts.Logger.Warn("connect failed, retrying",
				zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		r.setConn(conn)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		r.readLoop(conn)
		close(done)
		r.clearConn(conn)
	}
}

// SetState replaces the optimistic local state after a user edit and
// schedules a debounced send. Never call it from OnState.
func (r *Reconciler) SetState(s merge.Snapshot) {
	r.mu.Lock()
	r.local = merge.Normalize(s)
	r.dirty = true
	r.scheduleSendLocked()
	r.mu.Unlock()
}

// State returns a copy of the current local snapshot.
func (r *Reconciler) State() merge.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return merge.Normalize(r.local)
}

// AckedVersion returns the last server version acknowledged to this client.
func (r *Reconciler) AckedVersion() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackedVer
}

// Synced reports whether the canonical snapshot has been received at least
// once.
func (r *Reconciler) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// AdoptRemoteOnce makes the next incoming snapshot replace local state
// entirely instead of merging, discarding unsent local edits.
func (r *Reconciler) AdoptRemoteOnce() {
	r.mu.Lock()
	r.adoptRemote = true
	r.mu.Unlock()
}

func (r *Reconciler) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.opts.Logger.Debug("connection closed", zap.Error(err))
			return
		}

		msg, err := protocol.DecodeServer(data)
		if err != nil {
			r.opts.Logger.Debug("dropping malformed server message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Sync:
			r.applyRemote(m.State, m.Version)
			r.mu.Lock()
			r.synced = true
			r.mu.Unlock()
		case *protocol.UpdateBroadcast:
			if m.SourceClientID == r.opts.ClientID {
				// Our own echo: a pure acknowledgment. Reapplying it would
				// clobber edits made since the send.
				r.mu.Lock()
				r.ackedVer = m.Version
				r.mu.Unlock()
				continue
			}
			r.applyRemote(m.State, m.Version)
		case *protocol.Presence:
			if r.opts.OnPresence != nil {
				r.opts.OnPresence(m)
			}
		}
	}
}

// applyRemote folds a foreign snapshot into local state, or adopts it
// wholesale if AdoptRemoteOnce was requested. Local edits not yet reflected
// in the merged result are re-sent.
func (r *Reconciler) applyRemote(state merge.Snapshot, version int) {
	remote := merge.Normalize(state)

	r.mu.Lock()
	if r.adoptRemote {
		r.local = remote
		r.adoptRemote = false
		r.dirty = false
	} else {
		r.local = merge.Merge(r.local, remote)
		// The theme always resolves in favor of the current side, so it is
		// excluded when deciding whether local edits still need sending.
		localCmp, remoteCmp := r.local, remote
		localCmp.Theme, remoteCmp.Theme = "", ""
		if !reflect.DeepEqual(localCmp, remoteCmp) {
			r.dirty = true
		}
	}
	r.ackedVer = version
	if r.dirty {
		r.scheduleSendLocked()
	}
	updated := merge.Normalize(r.local)
	r.mu.Unlock()

	if r.opts.OnState != nil {
		r.opts.OnState(updated)
	}
}

// scheduleSendLocked arms or re-arms the debounce timer; callers hold r.mu.
func (r *Reconciler) scheduleSendLocked() {
	if r.timer == nil {
		r.timer = time.AfterFunc(r.opts.Debounce, r.flush)
		return
	}
	r.timer.Reset(r.opts.Debounce)
}

// flush sends the pending snapshot. With no live connection the state stays
// dirty and goes out right after the next sync.
func (r *Reconciler) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty || r.conn == nil {
		return
	}

	req := protocol.UpdateRequest{
		Type:      protocol.TypeUpdate,
		ClientID:  r.opts.ClientID,
		RequestID: uuid.New().String(),
		State:     snapshotPtr(merge.Normalize(r.local)),
	}

	r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
	if err := r.conn.WriteJSON(req); err != nil {
		r.opts.Logger.Debug("send failed, will retry after reconnect", zap.Error(err))
		return
	}
	r.dirty = false
}

func (r *Reconciler) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *Reconciler) clearConn(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	conn.Close()
}

func snapshotPtr(s merge.Snapshot) *merge.Snapshot { return &s }
