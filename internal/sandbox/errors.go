package sandbox

import "errors"

var (
	ErrContainerNotFound    = errors.New("container not found")
	ErrContainerStartFailed = errors.New("failed to start container")
	ErrImagePullFailed      = errors.New("failed to pull image")
	ErrExecFailed           = errors.New("exec failed")
	ErrProbeTimeout         = errors.New("readiness probe timed out")
)
