package queue

import (
	"time"

	"cloudbrowser/internal/session"
)

type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusPreparing   Status = "preparing"
	StatusConnecting  Status = "connecting"
	StatusReady       Status = "ready"
	StatusRateLimited Status = "rate_limited"
)

// Entry is a queue slot. Values handed to subscribers and callers are
// defensive copies; the raw IP never serialises.
type Entry struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	RawIP     string    `json:"-"`
	Position  int       `json:"position"`
	Status    Status    `json:"status"`
	SessionID string    `json:"sessionId,omitempty"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Callback receives entry snapshots as the worker walks them to readiness.
// Callbacks run without the queue lock held and must not block for long.
type Callback func(Entry)

// SessionStarter is the slice of the session manager the queue needs.
type SessionStarter interface {
	CheckRateLimit(ip string) session.RateLimitStatus
	StartSession(url, rawIP string) (session.Session, error)
	AvgDuration() time.Duration
}

// WarmCounter reports free warm capacity.
type WarmCounter interface {
	WarmCount() int
}
