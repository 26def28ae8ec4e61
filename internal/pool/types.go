package pool

import "time"

type Status string

const (
	StatusBooting    Status = "booting"
	StatusWarm       Status = "warm"
	StatusActive     Status = "active"
	StatusDestroying Status = "destroying"
)

type Config struct {
	Size           int
	PortRangeStart int
	PortRangeEnd   int
	Image          string
	NetworkName    string
	ContainerMemMB int64
	ContainerCPU   float64
	ShmSizeMB      int64
	GPUDevice      string
	DataDir        string
	EnvVars        []string

	HealthInterval time.Duration
	ProbeInterval  time.Duration
	ProbeCeiling   time.Duration
	StopGraceSecs  int
}

// Claim is what leaves the pool on acquire. Container handles stay inside.
type Claim struct {
	ID   string
	Port int
}

// ContainerInfo is a read-only snapshot row for status and admin views.
type ContainerInfo struct {
	ID        string    `json:"id"`
	NativeID  string    `json:"nativeId"`
	Port      int       `json:"port"`
	Status    Status    `json:"status"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot summarises the pool for health and stats endpoints.
type Snapshot struct {
	Target     int             `json:"target"`
	Warm       int             `json:"warm"`
	Active     int             `json:"active"`
	Booting    int             `json:"booting"`
	Containers []ContainerInfo `json:"containers"`
}
