package api

import (
	"errors"
	"net/http"

	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/realtime"
	"cloudbrowser/internal/session"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessions *session.Manager
	queue    *queue.Queue
	hub      *realtime.Hub
}

func NewSessionHandler(sessions *session.Manager, q *queue.Queue, hub *realtime.Hub) *SessionHandler {
	return &SessionHandler{sessions: sessions, queue: q, hub: hub}
}

// CreateSession admits the request into the queue. The per-IP limit is not
// checked here; the queue worker enforces it so the client always lands on
// the queue page first.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	if h.sessions.Paused() {
		respondError(c, http.StatusServiceUnavailable, ErrSessionsPaused)
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	normalized, err := session.NormalizeURL(req.URL)
	if err != nil {
		if errors.Is(err, session.ErrMissingURL) || errors.Is(err, session.ErrBlockedProtocol) {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	entry := h.queue.Enqueue(normalized, c.ClientIP())
	c.JSON(http.StatusOK, CreateSessionResponse{
		QueueID:  entry.ID,
		Position: entry.Position,
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")

	sess, ok := h.sessions.GetSession(id)
	if !ok {
		respondError(c, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	c.JSON(http.StatusOK, SessionStatusResponse{
		ID:            sess.ID,
		Status:        string(sess.Status),
		Port:          sess.Port,
		URL:           sess.URL,
		StartedAt:     formatTime(sess.StartedAt),
		ExpiresAt:     formatTime(sess.ExpiresAt),
		TimeRemaining: h.sessions.TimeRemaining(id),
	})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	id := c.Param("id")

	if _, ok := h.sessions.GetSession(id); !ok {
		respondError(c, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	if h.sessions.EndSession(id, session.ReasonUserEnded) {
		h.hub.NotifySessionEnded(id, session.ReasonUserEnded)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended", "sessionId": id})
}

func (h *SessionHandler) RateLimitStatus(c *gin.Context) {
	rl := h.sessions.CheckRateLimit(c.ClientIP())
	c.JSON(http.StatusOK, RateLimitResponse{
		Used:      rl.Used,
		Remaining: rl.Remaining,
		Limit:     rl.Limit,
	})
}
