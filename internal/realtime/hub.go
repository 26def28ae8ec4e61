package realtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cloudbrowser/internal/monitor"
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/session"

	"github.com/gorilla/websocket"
)

type Config struct {
	TickInterval  time.Duration
	AbandonGrace  time.Duration
	AllowedOrigin string
}

// Hub owns client bindings: per-session client/viewer projections and a
// single primary. One mutex guards the projections; every emission happens
// on a snapshot taken under the lock and sent outside it.
type Hub struct {
	mu       sync.Mutex
	sessions SessionSource
	queue    QueueSource
	logger   *slog.Logger

	clients       map[*client]struct{}
	bySession     map[string]map[*client]struct{}
	viewers       map[string]map[*client]struct{}
	primary       map[string]*client
	clientSession map[*client]string
	warned        map[string]bool
	abandonTimers map[string]*time.Timer

	tickInterval time.Duration
	abandonGrace time.Duration
	upgrader     websocket.Upgrader
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewHub(sessions SessionSource, q QueueSource, cfg Config, logger *slog.Logger) *Hub {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.AbandonGrace == 0 {
		cfg.AbandonGrace = 35 * time.Second
	}

	return &Hub{
		sessions:      sessions,
		queue:         q,
		logger:        logger.With("component", "realtime"),
		clients:       make(map[*client]struct{}),
		bySession:     make(map[string]map[*client]struct{}),
		viewers:       make(map[string]map[*client]struct{}),
		primary:       make(map[string]*client),
		clientSession: make(map[*client]string),
		warned:        make(map[string]bool),
		abandonTimers: make(map[string]*time.Timer),
		tickInterval:  cfg.TickInterval,
		abandonGrace:  cfg.AbandonGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || cfg.AllowedOrigin == "" || origin == cfg.AllowedOrigin
			},
		},
		stopCh: make(chan struct{}),
	}
}

// Start runs the timer broadcast loop. Blocks; run in a goroutine.
func (h *Hub) Start() {
	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// HandleWS upgrades the connection and runs the pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	monitor.RealtimeClients.Set(float64(total))
	h.logger.Debug("Client connected", "client_id", c.id, "total", total)

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) handleMessage(c *client, msg inboundMessage) {
	switch msg.Type {
	case msgSessionJoin, msgSessionReconnect:
		h.joinSession(c, msg.SessionID, msg.Viewer)
	case msgQueueJoin:
		h.joinQueue(c, msg.QueueID)
	default:
		h.logger.Debug("Unknown message type", "type", msg.Type)
	}
}

func (h *Hub) joinSession(c *client, sessionID string, viewer bool) {
	sess, ok := h.sessions.GetSession(sessionID)
	if !ok || sess.Status != session.StatusActive {
		c.enqueue(map[string]any{"type": evtSessionError, "error": "session not active"})
		return
	}

	timeRemaining := h.sessions.TimeRemaining(sessionID)

	h.mu.Lock()
	h.cancelAbandonLocked(sessionID)

	// A connection re-joining a different session drops its old binding first,
	// so the old session's abandonment accounting stays correct.
	if prev, ok := h.clientSession[c]; ok && prev != sessionID {
		delete(h.bySession[prev], c)
		delete(h.viewers[prev], c)
		if h.primary[prev] == c {
			delete(h.primary, prev)
		}
		if len(h.bySession[prev]) == 0 {
			h.startAbandonLocked(prev)
		}
	}

	if h.bySession[sessionID] == nil {
		h.bySession[sessionID] = make(map[*client]struct{})
	}
	h.bySession[sessionID][c] = struct{}{}
	h.clientSession[c] = sessionID

	var demoted *client
	if viewer {
		if h.viewers[sessionID] == nil {
			h.viewers[sessionID] = make(map[*client]struct{})
		}
		h.viewers[sessionID][c] = struct{}{}
	} else {
		prior := h.primary[sessionID]
		if prior != nil && prior != c {
			demoted = prior
		}
		h.primary[sessionID] = c
		delete(h.viewers[sessionID], c)
	}
	viewerCount := len(h.viewers[sessionID])
	primary := h.primary[sessionID]

	// Join replies go out before the lock drops: a concurrent broadcast tick
	// must not get a timer event in front of session:joined, and the demoted
	// client hears about the takeover before the new primary is welcomed.
	// enqueue never blocks, so holding the lock here is safe.
	if demoted != nil {
		demoted.enqueue(map[string]any{"type": evtSessionTakeover})
	}

	joined := map[string]any{
		"type":          evtSessionJoined,
		"sessionId":     sessionID,
		"port":          sess.Port,
		"timeRemaining": timeRemaining,
	}
	if viewer {
		joined["isViewer"] = true
	} else {
		joined["isPrimary"] = true
		joined["viewerCount"] = viewerCount
	}
	c.enqueue(joined)

	if viewer && primary != nil {
		primary.enqueue(map[string]any{"type": evtSessionViewerCount, "count": viewerCount})
	}
	h.mu.Unlock()
}

func (h *Hub) joinQueue(c *client, queueID string) {
	entry, ok := h.queue.Get(queueID)
	if !ok {
		c.enqueue(map[string]any{"type": evtQueueInvalid})
		return
	}

	c.enqueue(map[string]any{
		"type":                 evtQueueJoined,
		"status":               entry.Status,
		"position":             entry.Position,
		"totalInQueue":         h.queue.Length(),
		"estimatedWaitSeconds": h.queue.EstimatedWaitSeconds(),
	})

	h.queue.Subscribe(queueID, func(e queue.Entry) {
		switch e.Status {
		case queue.StatusReady:
			c.enqueue(map[string]any{
				"type":      evtQueueReady,
				"sessionId": e.SessionID,
				"port":      e.Port,
			})
		case queue.StatusRateLimited:
			c.enqueue(map[string]any{"type": evtQueueError, "error": "rate limited"})
		default:
			c.enqueue(map[string]any{
				"type":                 evtQueueStatus,
				"status":               e.Status,
				"position":             e.Position,
				"totalInQueue":         h.queue.Length(),
				"estimatedWaitSeconds": h.queue.EstimatedWaitSeconds(),
			})
		}
	})
}

// tick drives the per-session broadcast: a timer event per active session,
// the one-shot 30s warning, and the terminal ended event once the manager
// reports the session gone.
func (h *Hub) tick() {
	h.mu.Lock()
	tracked := make([]string, 0, len(h.bySession))
	for id := range h.bySession {
		tracked = append(tracked, id)
	}
	h.mu.Unlock()

	for _, id := range tracked {
		sess, ok := h.sessions.GetSession(id)
		if !ok || sess.Status != session.StatusActive {
			h.finishSession(id, session.ReasonExpired)
			continue
		}

		timeRemaining := h.sessions.TimeRemaining(id)

		h.mu.Lock()
		clients := h.snapshotClientsLocked(id)
		warn := false
		if timeRemaining <= warningThreshold && timeRemaining > 0 && !h.warned[id] {
			h.warned[id] = true
			warn = true
		}
		h.mu.Unlock()

		for _, c := range clients {
			c.enqueue(map[string]any{"type": evtSessionTimer, "timeRemaining": timeRemaining})
			if warn {
				c.enqueue(map[string]any{"type": evtSessionWarning, "secondsLeft": warningThreshold})
			}
		}
	}
}

// NotifySessionEnded emits the terminal event to every bound client and
// drops the session's bindings. Used by admin kill and user end.
func (h *Hub) NotifySessionEnded(sessionID, reason string) {
	h.finishSession(sessionID, reason)
}

func (h *Hub) finishSession(sessionID, reason string) {
	h.mu.Lock()
	clients := h.snapshotClientsLocked(sessionID)
	for c := range h.bySession[sessionID] {
		delete(h.clientSession, c)
	}
	delete(h.bySession, sessionID)
	delete(h.viewers, sessionID)
	delete(h.primary, sessionID)
	delete(h.warned, sessionID)
	h.cancelAbandonLocked(sessionID)
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(map[string]any{"type": evtSessionEnded, "reason": reason})
	}
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)

	sessionID, bound := h.clientSession[c]
	if bound {
		delete(h.clientSession, c)
		delete(h.bySession[sessionID], c)
		delete(h.viewers[sessionID], c)
		if h.primary[sessionID] == c {
			delete(h.primary, sessionID)
		}
		if len(h.bySession[sessionID]) == 0 {
			h.startAbandonLocked(sessionID)
		}
	}
	viewerCount := len(h.viewers[sessionID])
	primary := h.primary[sessionID]
	h.mu.Unlock()

	close(c.done)
	monitor.RealtimeClients.Set(float64(total))

	if bound && primary != nil {
		primary.enqueue(map[string]any{"type": evtSessionViewerCount, "count": viewerCount})
	}
}

// startAbandonLocked arms the grace timer for a session whose last client
// just left. Caller holds the lock.
func (h *Hub) startAbandonLocked(sessionID string) {
	if _, ok := h.abandonTimers[sessionID]; ok {
		return
	}
	h.abandonTimers[sessionID] = time.AfterFunc(h.abandonGrace, func() {
		h.mu.Lock()
		delete(h.abandonTimers, sessionID)
		empty := len(h.bySession[sessionID]) == 0
		h.mu.Unlock()

		if empty {
			h.logger.Info("Session abandoned", "session_id", sessionID)
			h.sessions.EndSession(sessionID, session.ReasonAbandoned)
		}
	})
}

func (h *Hub) cancelAbandonLocked(sessionID string) {
	if t, ok := h.abandonTimers[sessionID]; ok {
		t.Stop()
		delete(h.abandonTimers, sessionID)
	}
}

// ReconnectingSessions lists sessions inside the abandonment grace window.
// The admin pool view reports their containers as reconnecting.
func (h *Hub) ReconnectingSessions() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]bool, len(h.abandonTimers))
	for id := range h.abandonTimers {
		out[id] = true
	}
	return out
}

func (h *Hub) snapshotClientsLocked(sessionID string) []*client {
	clients := make([]*client, 0, len(h.bySession[sessionID]))
	for c := range h.bySession[sessionID] {
		clients = append(clients, c)
	}
	return clients
}
