package api

import (
	"errors"

	"github.com/gin-gonic/gin"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrSessionNotFound = errors.New("session not found")
	ErrQueueNotFound   = errors.New("queue entry not found")
	ErrSessionsPaused  = errors.New("sessions are paused")
	ErrPoolSizeRange   = errors.New("pool size must be between 1 and 20")
	ErrDurationRange   = errors.New("session duration must be between 60 and 1800 seconds")
)

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}
