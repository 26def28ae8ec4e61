package api

import (
	"net/http"

	"cloudbrowser/internal/queue"

	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	queue *queue.Queue
}

func NewQueueHandler(q *queue.Queue) *QueueHandler {
	return &QueueHandler{queue: q}
}

func (h *QueueHandler) GetEntry(c *gin.Context) {
	id := c.Param("id")

	entry, ok := h.queue.Get(id)
	if !ok {
		respondError(c, http.StatusNotFound, ErrQueueNotFound)
		return
	}

	c.JSON(http.StatusOK, QueueStatusResponse{
		ID:                   entry.ID,
		Position:             entry.Position,
		TotalInQueue:         h.queue.Length(),
		EstimatedWaitSeconds: h.queue.EstimatedWaitSeconds(),
		CreatedAt:            formatTime(entry.CreatedAt),
	})
}

func (h *QueueHandler) Leave(c *gin.Context) {
	id := c.Param("id")
	h.queue.Leave(id)
	c.JSON(http.StatusOK, gin.H{"status": "removed", "queueId": id})
}
