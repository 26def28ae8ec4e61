package api

import "time"

type CreateSessionRequest struct {
	URL string `json:"url"`
}

type CreateSessionResponse struct {
	QueueID  string `json:"queueId"`
	Position int    `json:"position"`
}

type SessionStatusResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Port          int    `json:"port"`
	URL           string `json:"url"`
	StartedAt     string `json:"startedAt"`
	ExpiresAt     string `json:"expiresAt"`
	TimeRemaining int    `json:"timeRemaining"`
}

type RateLimitResponse struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

type QueueStatusResponse struct {
	ID                   string `json:"id"`
	Position             int    `json:"position"`
	TotalInQueue         int    `json:"totalInQueue"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
	CreatedAt            string `json:"createdAt"`
}

type HealthResponse struct {
	Status         string      `json:"status"`
	Timestamp      string      `json:"timestamp"`
	Pool           PoolSummary `json:"pool"`
	ActiveSessions int         `json:"activeSessions"`
	QueueLength    int         `json:"queueLength"`
}

type PoolSummary struct {
	Target  int `json:"target"`
	Warm    int `json:"warm"`
	Active  int `json:"active"`
	Booting int `json:"booting"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

type IPActionRequest struct {
	IP string `json:"ip" binding:"required"`
}

type ConfigRequest struct {
	PoolSize        *int `json:"poolSize"`
	SessionDuration *int `json:"sessionDuration"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
