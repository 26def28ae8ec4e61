package sandbox

import (
	"fmt"
	"regexp"
)

// StreamPort is the port the in-container streaming endpoint listens on.
// The pool publishes it onto a host port from the configured range.
const StreamPort = 8080

type ContainerConfig struct {
	Name        string
	Image       string
	NetworkName string
	HostPort    int
	EnvVars     []string
	MemoryLimit int64
	CPULimit    float64
	ShmSize     int64
	GPUDevice   string
	DataDir     string
}

// namePattern is the crash-recovery discriminator: any container matching it
// is considered owned by this pool.
var namePattern = regexp.MustCompile(`^/?session-[0-9a-f]{8}$`)

func ContainerName(suffix string) string {
	return "session-" + suffix
}

func MatchesName(name string) bool {
	return namePattern.MatchString(name)
}

func ProbeURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/", port)
}
