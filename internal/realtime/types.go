package realtime

import (
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/session"
)

// Inbound message envelope. One shape covers every client-to-server event.
type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	QueueID   string `json:"queueId,omitempty"`
	Viewer    bool   `json:"viewer,omitempty"`
}

// Event names on the wire.
const (
	msgSessionJoin      = "session:join"
	msgSessionReconnect = "session:reconnect"
	msgQueueJoin        = "queue:join"

	evtSessionJoined      = "session:joined"
	evtSessionTimer       = "session:timer"
	evtSessionWarning     = "session:warning"
	evtSessionEnded       = "session:ended"
	evtSessionError       = "session:error"
	evtSessionTakeover    = "session:takeover"
	evtSessionViewerCount = "session:viewer-count"

	evtQueueJoined  = "queue:joined"
	evtQueueStatus  = "queue:status"
	evtQueueReady   = "queue:ready"
	evtQueueError   = "queue:error"
	evtQueueInvalid = "queue:invalid"
)

const warningThreshold = 30

// SessionSource is the slice of the session manager the hub reads from.
type SessionSource interface {
	GetSession(id string) (session.Session, bool)
	TimeRemaining(id string) int
	EndSession(id, reason string) bool
}

// QueueSource lets queue-page clients follow their entry.
type QueueSource interface {
	Get(id string) (queue.Entry, bool)
	Subscribe(id string, cb queue.Callback)
	Length() int
	EstimatedWaitSeconds() int
}
