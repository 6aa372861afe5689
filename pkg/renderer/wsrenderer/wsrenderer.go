// Package wsrenderer implements renderer.Renderer over a browser-facing
// WebSocket connection manager, grounded directly on the teacher's
// pkg/events.ConnectionManager: one process-wide manager, a per-session
// broadcast channel, and catch-up delivery for clients that subscribe
// late — generalized from Postgres LISTEN/NOTIFY fan-out to a plain
// channel fan-out since this core has no separate event-store database.
package wsrenderer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/renderer"
)

// Renderer is a browser WebSocket renderer.Renderer implementation: each
// attached session keeps an unbounded history of its activities for
// catch-up, and
// every connection subscribed to that session's channel receives new
// activities as they're pushed.
type Renderer struct {
	writeTimeout time.Duration

	mu          sync.RWMutex
	sessions    map[string]*sessionChannel
	onUserInput func(sessionID, text string)
	onStop      func(sessionID string)
}

type sessionChannel struct {
	metadata renderer.Metadata
	history  []model.Activity
	conns    map[string]*connection
}

type connection struct {
	id   string
	conn *websocket.Conn
}

// clientMessage is an inbound control message from a browser client.
type clientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// New creates an empty Renderer. writeTimeout bounds each per-connection
// send (spec §5's "every network call has a default 30s timeout").
func New(writeTimeout time.Duration) *Renderer {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Renderer{
		writeTimeout: writeTimeout,
		sessions:     make(map[string]*sessionChannel),
	}
}

func (r *Renderer) AttachSession(ctx context.Context, sessionID string, metadata renderer.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = &sessionChannel{metadata: metadata, conns: make(map[string]*connection)}
	return nil
}

func (r *Renderer) PushActivity(ctx context.Context, sessionID string, activity model.Activity) error {
	r.mu.Lock()
	sc, ok := r.sessions[sessionID]
	if !ok {
		sc = &sessionChannel{conns: make(map[string]*connection)}
		r.sessions[sessionID] = sc
	}
	sc.history = append(sc.history, activity)
	conns := make([]*connection, 0, len(sc.conns))
	for _, c := range sc.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	payload, err := json.Marshal(map[string]any{"type": "activity", "session_id": sessionID, "activity": activity})
	if err != nil {
		return err
	}
	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		err := c.conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			slog.Warn("wsrenderer: write failed", "connection_id", c.id, "error", err)
		}
	}
	return nil
}

func (r *Renderer) OnUserInput(callback func(sessionID, text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUserInput = callback
}

func (r *Renderer) OnStopRequest(callback func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = callback
}

func (r *Renderer) DetachSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	sc, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	for _, c := range sc.conns {
		_ = c.conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

// HandleWebSocket upgrades req to a WebSocket and subscribes it to the
// session named by sessionID, blocking until the client disconnects. Wire this into whatever HTTP router the host process
// uses (e.g. pkg/webhook's echo instance, or a standalone mux).
func (r *Renderer) HandleWebSocket(w http.ResponseWriter, req *http.Request, sessionID string) error {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return err
	}
	connID := uuid.NewString()
	c := &connection{id: connID, conn: conn}

	r.mu.Lock()
	sc, ok := r.sessions[sessionID]
	if !ok {
		sc = &sessionChannel{conns: make(map[string]*connection)}
		r.sessions[sessionID] = sc
	}
	sc.conns[connID] = c
	history := append([]model.Activity(nil), sc.history...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if sc, ok := r.sessions[sessionID]; ok {
			delete(sc.conns, connID)
		}
		r.mu.Unlock()
	}()

	ctx := req.Context()
	for _, act := range history {
		payload, _ := json.Marshal(map[string]any{"type": "activity", "session_id": sessionID, "activity": act})
		writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return err
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.handleClientMessage(sessionID, msg)
	}
}

func (r *Renderer) handleClientMessage(sessionID string, msg clientMessage) {
	r.mu.RLock()
	input, stop := r.onUserInput, r.onStop
	r.mu.RUnlock()

	switch msg.Action {
	case "input":
		if input != nil {
			input(sessionID, msg.Text)
		}
	case "stop":
		if stop != nil {
			stop(sessionID)
		}
	}
}
