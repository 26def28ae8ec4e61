package session

import (
	"errors"
	"time"

	"cloudbrowser/internal/pool"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// End reasons. Everything converges on EndSession with one of these.
const (
	ReasonExpired     = "expired"
	ReasonUserEnded   = "user_ended"
	ReasonAbandoned   = "abandoned"
	ReasonAdminKilled = "admin_killed"
)

// Session values handed out of the manager are read-only snapshots; mutation
// happens only inside the manager.
type Session struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"-"`
	Port        int       `json:"port"`
	URL         string    `json:"url"`
	AnonIP      string    `json:"anonIp"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Status      Status    `json:"status"`

	endedAt time.Time
}

type RateLimitStatus struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Blocked   bool `json:"blocked"`
}

type Stats struct {
	Active          int     `json:"active"`
	SessionsToday   int     `json:"sessionsToday"`
	PeakConcurrent  int     `json:"peakConcurrent"`
	AvgDurationSecs float64 `json:"avgSessionDuration"`
	DurationSecs    int     `json:"currentDuration"`
	Paused          bool    `json:"paused"`
}

type RateLimitInfo struct {
	PerIPToday map[string]int `json:"perIpToday"`
	LimitedIPs []string       `json:"limitedIps"`
	Blocked    []string       `json:"blocked"`
	Whitelist  []string       `json:"whitelist"`
	Limit      int            `json:"limit"`
}

// ContainerPool is the slice of the pool the manager needs.
type ContainerPool interface {
	Acquire(sessionID string) *pool.Claim
	Release(id string)
	LaunchApp(id, url string)
}

var (
	ErrBlockedProtocol = errors.New("blocked protocol")
	ErrMissingURL      = errors.New("url is required")
	ErrNoCapacity      = errors.New("no warm containers available")
)
