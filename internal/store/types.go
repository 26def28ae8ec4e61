package store

import "time"

// SessionRecord is the persisted history row for one session. Only the
// anonymized IP is ever stored; raw IPs never reach the sink.
type SessionRecord struct {
	tableName struct{} `pg:"session_history"`

	ID           string    `pg:"id,pk" json:"id"`
	URL          string    `pg:"url" json:"url"`
	AnonIP       string    `pg:"anon_ip" json:"anonIp"`
	Port         int       `pg:"port" json:"port"`
	StartedAt    time.Time `pg:"started_at" json:"startedAt"`
	EndedAt      time.Time `pg:"ended_at" json:"endedAt,omitempty"`
	DurationSecs int       `pg:"duration_secs" json:"durationSecs"`
	Reason       string    `pg:"reason" json:"reason,omitempty"`
}

type HistoryQuery struct {
	Search   string
	Page     int
	PageSize int
}

const SessionLogTask = "session:log"

type sessionLogOp string

const (
	opStart sessionLogOp = "start"
	opEnd   sessionLogOp = "end"
)

type SessionLogPayload struct {
	Op           sessionLogOp  `json:"op"`
	Record       SessionRecord `json:"record"`
	EndedAt      time.Time     `json:"endedAt,omitempty"`
	DurationSecs int           `json:"durationSecs,omitempty"`
	Reason       string        `json:"reason,omitempty"`
}
