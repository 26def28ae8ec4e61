package api

import (
	"net/http"
	"strconv"
	"time"

	"cloudbrowser/internal/pool"
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/realtime"
	"cloudbrowser/internal/session"
	"cloudbrowser/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	minPoolSize = 1
	maxPoolSize = 20

	minDurationSecs = 60
	maxDurationSecs = 1800
)

type AdminHandler struct {
	sessions *session.Manager
	queue    *queue.Queue
	pool     *pool.Pool
	hub      *realtime.Hub
	store    store.Store
}

func NewAdminHandler(sessions *session.Manager, q *queue.Queue, p *pool.Pool, hub *realtime.Hub, st store.Store) *AdminHandler {
	return &AdminHandler{sessions: sessions, queue: q, pool: p, hub: hub, store: st}
}

type AdminSessionRow struct {
	ID            string `json:"id"`
	Port          int    `json:"port"`
	URL           string `json:"url"`
	AnonIP        string `json:"anonIp"`
	StartedAt     string `json:"startedAt"`
	ExpiresAt     string `json:"expiresAt"`
	TimeRemaining int    `json:"timeRemaining"`
}

func (h *AdminHandler) ListSessions(c *gin.Context) {
	sessions := h.sessions.ActiveSessions()

	rows := make([]AdminSessionRow, 0, len(sessions))
	for _, sess := range sessions {
		rows = append(rows, AdminSessionRow{
			ID:            sess.ID,
			Port:          sess.Port,
			URL:           sess.URL,
			AnonIP:        sess.AnonIP,
			StartedAt:     formatTime(sess.StartedAt),
			ExpiresAt:     formatTime(sess.ExpiresAt),
			TimeRemaining: h.sessions.TimeRemaining(sess.ID),
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (h *AdminHandler) ListQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries": h.queue.List(),
		"length":  h.queue.Length(),
	})
}

type PoolContainerRow struct {
	ID        string `json:"id"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// PoolStatus reports the snapshot with the derived reconnecting status: an
// active container whose session is inside the abandonment grace window.
func (h *AdminHandler) PoolStatus(c *gin.Context) {
	snap := h.pool.Status()
	reconnecting := h.hub.ReconnectingSessions()

	rows := make([]PoolContainerRow, 0, len(snap.Containers))
	for _, info := range snap.Containers {
		status := string(info.Status)
		if info.Status == pool.StatusActive && reconnecting[info.SessionID] {
			status = "reconnecting"
		}
		rows = append(rows, PoolContainerRow{
			ID:        info.ID,
			Port:      info.Port,
			Status:    status,
			SessionID: info.SessionID,
			CreatedAt: formatTime(info.CreatedAt),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"target":     snap.Target,
		"warm":       snap.Warm,
		"active":     snap.Active,
		"booting":    snap.Booting,
		"containers": rows,
	})
}

type AdminStatsResponse struct {
	Active             int         `json:"active"`
	QueueLength        int         `json:"queueLength"`
	Pool               PoolSummary `json:"pool"`
	SessionsToday      int         `json:"sessionsToday"`
	SessionsThisWeek   int         `json:"sessionsThisWeek"`
	PeakConcurrent     int         `json:"peakConcurrent"`
	AvgSessionDuration float64     `json:"avgSessionDuration"`
	WeeklyAvgDuration  float64     `json:"weeklyAvgDuration"`
	CurrentDuration    int         `json:"currentDuration"`
	PoolSize           int         `json:"poolSize"`
	Paused             bool        `json:"paused"`
}

func (h *AdminHandler) Stats(c *gin.Context) {
	stats := h.sessions.Stats()
	snap := h.pool.Status()
	weekAgo := time.Now().AddDate(0, 0, -7)

	sessionsThisWeek, err := h.store.CountSince(c.Request.Context(), weekAgo)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	weeklyAvg, err := h.store.AvgDurationSince(c.Request.Context(), weekAgo)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, AdminStatsResponse{
		Active:      stats.Active,
		QueueLength: h.queue.Length(),
		Pool: PoolSummary{
			Target:  snap.Target,
			Warm:    snap.Warm,
			Active:  snap.Active,
			Booting: snap.Booting,
		},
		SessionsToday:      stats.SessionsToday,
		SessionsThisWeek:   sessionsThisWeek,
		PeakConcurrent:     stats.PeakConcurrent,
		AvgSessionDuration: stats.AvgDurationSecs,
		WeeklyAvgDuration:  weeklyAvg,
		CurrentDuration:    stats.DurationSecs,
		PoolSize:           h.pool.PoolSize(),
		Paused:             stats.Paused,
	})
}

func (h *AdminHandler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))

	records, total, err := h.store.History(c.Request.Context(), store.HistoryQuery{
		Search:   c.Query("search"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":  records,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (h *AdminHandler) RateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.RateLimitInfo())
}

func (h *AdminHandler) IPAction(c *gin.Context) {
	action := c.Param("action")

	var req IPActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	switch action {
	case "block":
		h.sessions.Block(req.IP)
	case "unblock":
		h.sessions.Unblock(req.IP)
	case "whitelist":
		h.sessions.Whitelist(req.IP)
	case "unwhitelist":
		h.sessions.Unwhitelist(req.IP)
	case "clear-limit":
		h.sessions.ClearLimit(req.IP)
	default:
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "unknown action: "+action)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action})
}

func (h *AdminHandler) KillSession(c *gin.Context) {
	id := c.Param("id")

	if _, ok := h.sessions.GetSession(id); !ok {
		respondError(c, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	if h.sessions.EndSession(id, session.ReasonAdminKilled) {
		h.hub.NotifySessionEnded(id, session.ReasonAdminKilled)
	}

	c.JSON(http.StatusOK, gin.H{"status": "killed", "sessionId": id})
}

func (h *AdminHandler) Pause(c *gin.Context) {
	h.sessions.SetPaused(true)
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *AdminHandler) Resume(c *gin.Context) {
	h.sessions.SetPaused(false)
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (h *AdminHandler) DrainQueue(c *gin.Context) {
	dropped := h.queue.Drain()
	c.JSON(http.StatusOK, gin.H{"status": "drained", "dropped": dropped})
}

func (h *AdminHandler) RestartPool(c *gin.Context) {
	h.pool.Restart()
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}

// UpdateConfig applies runtime settings. Both fields are optional; each is
// validated independently and nothing is applied on any failure.
func (h *AdminHandler) UpdateConfig(c *gin.Context) {
	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	if req.PoolSize != nil && (*req.PoolSize < minPoolSize || *req.PoolSize > maxPoolSize) {
		respondError(c, http.StatusBadRequest, ErrPoolSizeRange)
		return
	}
	if req.SessionDuration != nil && (*req.SessionDuration < minDurationSecs || *req.SessionDuration > maxDurationSecs) {
		respondError(c, http.StatusBadRequest, ErrDurationRange)
		return
	}

	if req.PoolSize != nil {
		h.pool.SetPoolSize(*req.PoolSize)
	}
	if req.SessionDuration != nil {
		h.sessions.SetDuration(time.Duration(*req.SessionDuration) * time.Second)
	}

	c.JSON(http.StatusOK, gin.H{
		"poolSize":        h.pool.PoolSize(),
		"sessionDuration": int(h.sessions.CurrentDuration().Seconds()),
	})
}
