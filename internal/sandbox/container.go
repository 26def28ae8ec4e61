package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Container is one sandboxed browser instance. It wraps the Docker API and
// knows nothing about sessions; the pool owns its lifecycle.
type Container struct {
	ID     string
	Name   string
	Port   int
	Config ContainerConfig
	client *client.Client
	logger *slog.Logger
}

func NewContainer(client *client.Client, cfg ContainerConfig, logger *slog.Logger) *Container {
	return &Container{
		Name:   cfg.Name,
		Port:   cfg.HostPort,
		Config: cfg,
		client: client,
		logger: logger.With(slog.String("container", cfg.Name)),
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("Starting container", slog.String("image", c.Config.Image), slog.Int("port", c.Port))

	_, err := c.client.ImageInspect(ctx, c.Config.Image)
	if errdefs.IsNotFound(err) {
		c.logger.Info("Image not found, pulling...", "image", c.Config.Image)
		reader, err := c.client.ImagePull(ctx, c.Config.Image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		defer reader.Close()

		done := make(chan struct{})
		go func() {
			_, _ = io.Copy(io.Discard, reader)
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("Image pull completed")
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
		}
	} else if err != nil {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	streamPort := nat.Port(strconv.Itoa(StreamPort) + "/tcp")

	config := &container.Config{
		Image: c.Config.Image,
		Env: append([]string{
			fmt.Sprintf("STREAM_PORT=%d", StreamPort),
			fmt.Sprintf("MAPPED_PORT=%d", c.Port),
		}, c.Config.EnvVars...),
		ExposedPorts: nat.PortSet{streamPort: struct{}{}},
		Labels: map[string]string{
			"managed_by": "cloud-browser",
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			streamPort: []nat.PortBinding{{
				HostIP:   "0.0.0.0",
				HostPort: strconv.Itoa(c.Port),
			}},
		},
		Resources: container.Resources{
			Memory:   c.Config.MemoryLimit,
			NanoCPUs: int64(c.Config.CPULimit * 1e9),
		},
		ShmSize:       c.Config.ShmSize,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		CapDrop:       []string{"ALL"},
		CapAdd:        []string{"CHOWN", "SETUID", "SETGID", "SYS_CHROOT"},
		Tmpfs: map[string]string{
			"/tmp": "rw,size=256m",
		},
	}

	if c.Config.DataDir != "" {
		hostConfig.Binds = []string{
			fmt.Sprintf("%s:/etc/browser/policies:ro", filepath.Join(c.Config.DataDir, "policies")),
			fmt.Sprintf("%s:/opt/browser/scripts:ro", filepath.Join(c.Config.DataDir, "scripts")),
			fmt.Sprintf("%s:/opt/browser/assets:ro", filepath.Join(c.Config.DataDir, "assets")),
		}
	}

	if c.Config.GPUDevice != "" {
		hostConfig.Devices = []container.DeviceMapping{{
			PathOnHost:        c.Config.GPUDevice,
			PathInContainer:   c.Config.GPUDevice,
			CgroupPermissions: "rwm",
		}}
	}

	netConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			c.Config.NetworkName: {},
		},
	}

	resp, err := c.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, c.Name)
	if err != nil {
		c.logger.Error("Failed to create container", "error", err)
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	c.ID = resp.ID
	if err := c.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", "error", err)
		_ = c.client.ContainerRemove(context.Background(), c.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	c.logger.Info("Container started", "container_id", c.ID)
	return nil
}

func (c *Container) Stop(ctx context.Context, timeoutSeconds int) error {
	opts := container.StopOptions{
		Timeout: &timeoutSeconds,
	}

	if err := c.client.ContainerStop(ctx, c.ID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (c *Container) Remove(ctx context.Context) error {
	opts := container.RemoveOptions{
		Force: true,
	}

	if err := c.client.ContainerRemove(ctx, c.ID, opts); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (c *Container) IsRunning(ctx context.Context) bool {
	inspect, err := c.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// Exec runs a command inside the container in detached mode. Callers treat
// failures as best-effort: the session stays up either way.
func (c *Container) Exec(ctx context.Context, cmd []string) error {
	createOpts := container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
	}

	createdResp, err := c.client.ContainerExecCreate(ctx, c.ID, createOpts)
	if err != nil {
		return fmt.Errorf("%w: failed to create exec: %v", ErrExecFailed, err)
	}

	if err := c.client.ContainerExecStart(ctx, createdResp.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("%w: failed to start exec: %v", ErrExecFailed, err)
	}
	return nil
}

// WaitReady probes the published streaming port until it answers or the
// ceiling expires. The caller decides what happens on timeout; the container
// is left running either way.
func (c *Container) WaitReady(ctx context.Context, interval, ceiling time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	url := ProbeURL(c.Port)
	httpClient := &http.Client{Timeout: interval}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return nil
				}
			}
		}

		select {
		case <-probeCtx.Done():
			return ErrProbeTimeout
		case <-ticker.C:
		}
	}
}
