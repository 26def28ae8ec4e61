package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloudbrowser/internal/monitor"
	"cloudbrowser/internal/sandbox"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

type entry struct {
	id           string
	container    *sandbox.Container
	port         int
	status       Status
	sessionID    string
	createdAt    time.Time
	bootDeadline time.Time
}

// Pool keeps a target number of warm browser containers ready. All registry
// and port state is guarded by one mutex; Docker calls happen outside it.
type Pool struct {
	mu       sync.Mutex
	client   *client.Client
	logger   *slog.Logger
	config   Config
	target   atomic.Int32
	entries  map[string]*entry
	ports    *portAllocator
	creating int
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(client *client.Client, logger *slog.Logger, cfg Config) *Pool {
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.ProbeCeiling == 0 {
		cfg.ProbeCeiling = 120 * time.Second
	}
	if cfg.StopGraceSecs == 0 {
		cfg.StopGraceSecs = 5
	}

	p := &Pool{
		client:  client,
		logger:  logger.With("component", "pool"),
		config:  cfg,
		entries: make(map[string]*entry),
		ports:   newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		stopCh:  make(chan struct{}),
	}
	p.target.Store(int32(cfg.Size))

	return p
}

// Init prepares the isolated network, removes orphans from a previous run,
// warms the pool in parallel and starts the health loop.
func (p *Pool) Init(ctx context.Context) error {
	if err := p.ensureNetwork(ctx); err != nil {
		return err
	}

	if err := p.sweepOrphans(ctx); err != nil {
		p.logger.Warn("Orphan sweep failed", "error", err)
	}

	size := int(p.target.Load())
	var wg sync.WaitGroup
	for range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.createWarm(ctx); err != nil {
				p.logger.Error("Failed to create warm container", "error", err)
			}
		}()
	}
	wg.Wait()

	go p.healthLoop()

	p.logger.Info("Pool initialised", "target", size)
	return nil
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// ensureNetwork creates the bridge network with inter-container traffic
// disabled. Outbound stays open; container-to-container is blocked.
func (p *Pool) ensureNetwork(ctx context.Context) error {
	_, err := p.client.NetworkInspect(ctx, p.config.NetworkName, network.InspectOptions{})
	if err == nil {
		return nil
	}

	_, err = p.client.NetworkCreate(ctx, p.config.NetworkName, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", p.config.NetworkName, err)
	}

	p.logger.Info("Created isolated network", "network", p.config.NetworkName)
	return nil
}

// sweepOrphans force-removes containers left over from a crashed process,
// identified by the session-<8-hex> naming pattern.
func (p *Pool) sweepOrphans(ctx context.Context) error {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range containers {
		for _, name := range c.Names {
			if sandbox.MatchesName(name) {
				p.logger.Info("Removing orphaned container", "name", strings.TrimPrefix(name, "/"))
				if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
					p.logger.Warn("Failed to remove orphan", "name", name, "error", err)
				}
				break
			}
		}
	}
	return nil
}

func (p *Pool) createWarm(ctx context.Context) error {
	id := uuid.New().String()[:8]

	p.mu.Lock()
	port, err := p.ports.Allocate()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.creating++
	p.mu.Unlock()

	cfg := sandbox.ContainerConfig{
		Name:        sandbox.ContainerName(id),
		Image:       p.config.Image,
		NetworkName: p.config.NetworkName,
		HostPort:    port,
		EnvVars:     p.config.EnvVars,
		MemoryLimit: p.config.ContainerMemMB * 1024 * 1024,
		CPULimit:    p.config.ContainerCPU,
		ShmSize:     p.config.ShmSizeMB * 1024 * 1024,
		GPUDevice:   p.config.GPUDevice,
		DataDir:     p.config.DataDir,
	}

	c := sandbox.NewContainer(p.client, cfg, p.logger)
	if err := c.Start(ctx); err != nil {
		p.mu.Lock()
		p.ports.Release(port)
		p.creating--
		p.mu.Unlock()
		monitor.ContainerCreationErrors.Inc()
		return err
	}

	e := &entry{
		id:           id,
		container:    c,
		port:         port,
		status:       StatusBooting,
		createdAt:    time.Now(),
		bootDeadline: time.Now().Add(p.config.ProbeCeiling + p.config.HealthInterval),
	}

	p.mu.Lock()
	p.entries[id] = e
	p.creating--
	p.mu.Unlock()

	// Probe in the background; the entry stays booting until the streaming
	// endpoint answers.
	go p.probe(e)

	return nil
}

func (p *Pool) probe(e *entry) {
	err := e.container.WaitReady(context.Background(), p.config.ProbeInterval, p.config.ProbeCeiling)

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.entries[e.id]
	if !ok || current != e {
		return
	}
	if err != nil {
		// Left booting; the health loop recycles it once past the deadline.
		p.logger.Warn("Container never became ready", "id", e.id, "error", err)
		return
	}
	if e.status == StatusBooting {
		e.status = StatusWarm
		p.logger.Info("Container is warm", "id", e.id, "port", e.port)
	}
}

// Acquire flips the first warm container to active and binds the session.
// Returns nil when nothing is warm; the caller retries through the queue.
func (p *Pool) Acquire(sessionID string) *Claim {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.status == StatusWarm {
			e.status = StatusActive
			e.sessionID = sessionID
			p.logger.Info("Acquired container", "id", e.id, "session_id", sessionID)
			return &Claim{ID: e.id, Port: e.port}
		}
	}
	return nil
}

// Release destroys the container and kicks off a replacement. Idempotent:
// releasing an unknown id is a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.status = StatusDestroying
	p.ports.Release(e.port)
	delete(p.entries, id)
	p.mu.Unlock()

	p.logger.Info("Releasing container", "id", id)

	go p.replenish()
	go p.destroy(e.container)
}

func (p *Pool) destroy(c *sandbox.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Stop(ctx, p.config.StopGraceSecs); err != nil && err != sandbox.ErrContainerNotFound {
		p.logger.Warn("Failed to stop container", "name", c.Name, "error", err)
	}
	if err := c.Remove(ctx); err != nil && err != sandbox.ErrContainerNotFound {
		p.logger.Warn("Failed to remove container", "name", c.Name, "error", err)
	}
}

func (p *Pool) replenish() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := p.createWarm(ctx); err != nil {
		p.logger.Error("Failed to replenish pool", "error", err)
	}
}

// LaunchApp fires the in-container launch script with the target URL.
// Failure is logged only; the session keeps the container either way.
func (p *Pool) LaunchApp(id, url string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	var c *sandbox.Container
	if ok {
		c = e.container
	}
	p.mu.Unlock()

	if c == nil {
		p.logger.Warn("LaunchApp on unknown container", "id", id)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Exec(ctx, []string{"/opt/browser/scripts/launch.sh", url}); err != nil {
			p.logger.Warn("App launch failed", "id", id, "error", err)
		}
	}()
}

// WarmCount is used by the queue to decide whether promotion can proceed.
func (p *Pool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.status == StatusWarm {
			n++
		}
	}
	return n
}

func (p *Pool) SetPoolSize(n int) {
	p.target.Store(int32(n))
	p.logger.Info("Pool target updated", "target", n)
}

func (p *Pool) PoolSize() int {
	return int(p.target.Load())
}

// Restart destroys warm containers only (active sessions keep theirs) and
// lets the health loop rebuild to the current target.
func (p *Pool) Restart() {
	p.mu.Lock()
	var victims []*sandbox.Container
	for id, e := range p.entries {
		if e.status == StatusWarm || e.status == StatusBooting {
			e.status = StatusDestroying
			p.ports.Release(e.port)
			delete(p.entries, id)
			victims = append(victims, e.container)
		}
	}
	p.mu.Unlock()

	p.logger.Info("Restarting pool", "destroyed", len(victims))
	for _, c := range victims {
		go p.destroy(c)
	}
	go p.maintain()
}

// Shutdown stops the health loop and destroys every container, waiting for
// the removals to finish.
func (p *Pool) Shutdown() {
	p.Stop()

	p.mu.Lock()
	victims := make([]*sandbox.Container, 0, len(p.entries))
	for id, e := range p.entries {
		e.status = StatusDestroying
		p.ports.Release(e.port)
		delete(p.entries, id)
		victims = append(victims, e.container)
	}
	p.mu.Unlock()

	p.logger.Info("Destroying all containers", "count", len(victims))

	var wg sync.WaitGroup
	for _, c := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.destroy(c)
		}()
	}
	wg.Wait()
}

func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Target:     int(p.target.Load()),
		Containers: make([]ContainerInfo, 0, len(p.entries)),
	}
	for _, e := range p.entries {
		switch e.status {
		case StatusWarm:
			snap.Warm++
		case StatusActive:
			snap.Active++
		case StatusBooting:
			snap.Booting++
		}
		snap.Containers = append(snap.Containers, ContainerInfo{
			ID:        e.id,
			NativeID:  e.container.ID,
			Port:      e.port,
			Status:    e.status,
			SessionID: e.sessionID,
			CreatedAt: e.createdAt,
		})
	}
	return snap
}

func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.healthCheck()
			p.maintain()
			p.publishMetrics()
		}
	}
}

// healthCheck drops dead and boot-stalled containers from the registry and
// deletes them best-effort.
func (p *Pool) healthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	candidates := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.status != StatusDestroying {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	now := time.Now()
	for _, e := range candidates {
		stalled := e.status == StatusBooting && now.After(e.bootDeadline)
		if e.container.IsRunning(ctx) && !stalled {
			continue
		}

		p.mu.Lock()
		if current, ok := p.entries[e.id]; !ok || current != e {
			p.mu.Unlock()
			continue
		}
		e.status = StatusDestroying
		p.ports.Release(e.port)
		delete(p.entries, e.id)
		p.mu.Unlock()

		if stalled {
			p.logger.Warn("Recycling boot-stalled container", "id", e.id)
		} else {
			p.logger.Warn("Removing dead container", "id", e.id)
		}
		go p.destroy(e.container)
	}
}

// maintain grows the pool to the target. Shrinking is passive: excess warm
// containers drain as sessions consume them.
func (p *Pool) maintain() {
	p.mu.Lock()
	needed := int(p.target.Load()) - len(p.entries) - p.creating
	p.mu.Unlock()

	if needed <= 0 {
		return
	}

	sem := make(chan struct{}, 3)
	var wg sync.WaitGroup
	for range needed {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := p.createWarm(ctx); err != nil {
				p.logger.Error("Failed to grow pool", "error", err)
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) publishMetrics() {
	snap := p.Status()
	monitor.PoolWarm.Set(float64(snap.Warm))
	monitor.PoolActive.Set(float64(snap.Active))
	monitor.PoolBooting.Set(float64(snap.Booting))
}
