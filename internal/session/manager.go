package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"cloudbrowser/internal/monitor"
	"cloudbrowser/internal/store"

	"github.com/google/uuid"
)

const durationWindowSize = 20

type ManagerConfig struct {
	Duration        time.Duration
	RateLimitPerDay int
	ExpiryInterval  time.Duration
	RetainEnded     time.Duration
}

// Manager owns session lifecycle, expiry, per-IP policy and duration stats.
// One mutex guards everything; the pool and the store are called outside it
// where they might block.
type Manager struct {
	mu     sync.Mutex
	pool   ContainerPool
	store  store.Store
	logger *slog.Logger

	sessions        map[string]*Session
	blocked         map[string]struct{}
	whitelist       map[string]struct{}
	ipCountToday    map[string]int
	counterDate     string
	paused          bool
	currentDuration time.Duration
	rateLimit       int
	window          []time.Duration
	sessionsToday   int
	peakConcurrent  int

	expiryInterval time.Duration
	retainEnded    time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

func NewManager(pool ContainerPool, st store.Store, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.Duration == 0 {
		cfg.Duration = 300 * time.Second
	}
	if cfg.RateLimitPerDay == 0 {
		cfg.RateLimitPerDay = 10
	}
	if cfg.ExpiryInterval == 0 {
		cfg.ExpiryInterval = 5 * time.Second
	}
	if cfg.RetainEnded == 0 {
		cfg.RetainEnded = 60 * time.Second
	}

	return &Manager{
		pool:            pool,
		store:           st,
		logger:          logger.With("component", "session"),
		sessions:        make(map[string]*Session),
		blocked:         make(map[string]struct{}),
		whitelist:       make(map[string]struct{}),
		ipCountToday:    make(map[string]int),
		counterDate:     localDate(time.Now()),
		currentDuration: cfg.Duration,
		rateLimit:       cfg.RateLimitPerDay,
		expiryInterval:  cfg.ExpiryInterval,
		retainEnded:     cfg.RetainEnded,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the expiry loop. Blocks; run in a goroutine.
func (m *Manager) Start() {
	ticker := time.NewTicker(m.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.expireSessions()
		}
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// rolloverLocked resets the daily counters on the first call after the local
// calendar date changes. Caller holds the lock.
func (m *Manager) rolloverLocked() {
	today := localDate(time.Now())
	if today == m.counterDate {
		return
	}
	m.counterDate = today
	m.ipCountToday = make(map[string]int)
	m.sessionsToday = 0
	m.peakConcurrent = 0
	m.logger.Info("Daily counters reset", "date", today)
}

func (m *Manager) CheckRateLimit(ip string) RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	if _, ok := m.blocked[ip]; ok {
		return RateLimitStatus{Allowed: false, Blocked: true, Limit: m.rateLimit}
	}
	if _, ok := m.whitelist[ip]; ok {
		return RateLimitStatus{Allowed: true, Used: m.ipCountToday[ip], Remaining: m.rateLimit, Limit: m.rateLimit}
	}

	used := m.ipCountToday[ip]
	remaining := max(m.rateLimit-used, 0)
	return RateLimitStatus{
		Allowed:   used < m.rateLimit,
		Used:      used,
		Remaining: remaining,
		Limit:     m.rateLimit,
	}
}

// StartSession binds a new session to a warm container. Returns ErrNoCapacity
// when the pool has nothing warm; the queue worker requeues on that.
func (m *Manager) StartSession(url, rawIP string) (Session, error) {
	id := uuid.New().String()

	claim := m.pool.Acquire(id)
	if claim == nil {
		return Session{}, ErrNoCapacity
	}

	now := time.Now()

	m.mu.Lock()
	m.rolloverLocked()
	sess := &Session{
		ID:          id,
		ContainerID: claim.ID,
		Port:        claim.Port,
		URL:         url,
		AnonIP:      AnonymizeIP(rawIP),
		StartedAt:   now,
		ExpiresAt:   now.Add(m.currentDuration),
		Status:      StatusActive,
	}
	m.sessions[id] = sess
	m.ipCountToday[rawIP]++
	m.sessionsToday++
	active := m.countActiveLocked()
	if active > m.peakConcurrent {
		m.peakConcurrent = active
	}
	sessionsToday := m.sessionsToday
	snapshot := *sess
	m.mu.Unlock()

	monitor.SessionsActive.Set(float64(active))
	monitor.SessionsToday.Set(float64(sessionsToday))

	m.pool.LaunchApp(claim.ID, url)
	m.store.RecordSessionStart(store.SessionRecord{
		ID:        id,
		URL:       url,
		AnonIP:    snapshot.AnonIP,
		Port:      snapshot.Port,
		StartedAt: now,
	})

	m.logger.Info("Session started",
		"session_id", id,
		"container_id", claim.ID,
		"port", claim.Port,
		"ip", snapshot.AnonIP,
	)
	return snapshot, nil
}

func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// EndSession is idempotent: a session that is not active is left untouched
// and false is returned.
func (m *Manager) EndSession(id, reason string) bool {
	now := time.Now()

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.Status != StatusActive {
		m.mu.Unlock()
		return false
	}
	if reason == ReasonExpired {
		sess.Status = StatusExpired
	} else {
		sess.Status = StatusEnded
	}
	sess.endedAt = now
	containerID := sess.ContainerID
	elapsed := now.Sub(sess.StartedAt)
	m.window = append(m.window, elapsed)
	if len(m.window) > durationWindowSize {
		m.window = m.window[1:]
	}
	active := m.countActiveLocked()
	m.mu.Unlock()

	monitor.SessionsActive.Set(float64(active))
	monitor.SessionsEnded.WithLabelValues(reason).Inc()
	monitor.SessionDuration.Observe(elapsed.Seconds())

	m.store.RecordSessionEnd(id, now, int(elapsed.Seconds()), reason)
	m.pool.Release(containerID)

	m.logger.Info("Session ended", "session_id", id, "reason", reason, "duration", elapsed.Round(time.Second).String())
	return true
}

// TimeRemaining returns whole seconds until expiry, never negative.
func (m *Manager) TimeRemaining(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || sess.Status != StatusActive {
		return 0
	}
	remaining := int(time.Until(sess.ExpiresAt).Seconds())
	return max(remaining, 0)
}

func (m *Manager) expireSessions() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.Status == StatusActive && !sess.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.EndSession(id, ReasonExpired)
	}

	m.pruneEnded(now)
}

// pruneEnded drops terminal sessions once clients and the hub have had time
// to observe the final state.
func (m *Manager) pruneEnded(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		if sess.Status != StatusActive && now.Sub(sess.endedAt) > m.retainEnded {
			delete(m.sessions, id)
		}
	}
}

func (m *Manager) ActiveSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, sess := range m.sessions {
		if sess.Status == StatusActive {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) SetPaused(paused bool) {
	m.mu.Lock()
	m.paused = paused
	m.mu.Unlock()
	m.logger.Info("Pause state changed", "paused", paused)
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) SetDuration(d time.Duration) {
	m.mu.Lock()
	m.currentDuration = d
	m.mu.Unlock()
	m.logger.Info("Session duration changed", "duration", d.String())
}

func (m *Manager) CurrentDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDuration
}

// AvgDuration is the mean of the rolling window, or the configured duration
// while the window is empty.
func (m *Manager) AvgDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgDurationLocked()
}

func (m *Manager) avgDurationLocked() time.Duration {
	if len(m.window) == 0 {
		return m.currentDuration
	}
	var sum time.Duration
	for _, d := range m.window {
		sum += d
	}
	return sum / time.Duration(len(m.window))
}

func (m *Manager) Block(ip string)   { m.setPolicy(ip, m.blocked, true) }
func (m *Manager) Unblock(ip string) { m.setPolicy(ip, m.blocked, false) }

func (m *Manager) Whitelist(ip string)   { m.setPolicy(ip, m.whitelist, true) }
func (m *Manager) Unwhitelist(ip string) { m.setPolicy(ip, m.whitelist, false) }

func (m *Manager) setPolicy(ip string, set map[string]struct{}, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		set[ip] = struct{}{}
	} else {
		delete(set, ip)
	}
}

func (m *Manager) ClearLimit(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ipCountToday, ip)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	return Stats{
		Active:          m.countActiveLocked(),
		SessionsToday:   m.sessionsToday,
		PeakConcurrent:  m.peakConcurrent,
		AvgDurationSecs: m.avgDurationLocked().Seconds(),
		DurationSecs:    int(m.currentDuration.Seconds()),
		Paused:          m.paused,
	}
}

func (m *Manager) RateLimitInfo() RateLimitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	info := RateLimitInfo{
		PerIPToday: make(map[string]int, len(m.ipCountToday)),
		Limit:      m.rateLimit,
	}
	for ip, n := range m.ipCountToday {
		info.PerIPToday[AnonymizeIP(ip)] = n
		if n >= m.rateLimit {
			info.LimitedIPs = append(info.LimitedIPs, AnonymizeIP(ip))
		}
	}
	for ip := range m.blocked {
		info.Blocked = append(info.Blocked, ip)
	}
	for ip := range m.whitelist {
		info.Whitelist = append(info.Whitelist, ip)
	}
	sort.Strings(info.LimitedIPs)
	sort.Strings(info.Blocked)
	sort.Strings(info.Whitelist)
	return info
}

func (m *Manager) countActiveLocked() int {
	n := 0
	for _, sess := range m.sessions {
		if sess.Status == StatusActive {
			n++
		}
	}
	return n
}

func localDate(t time.Time) string {
	return t.Format("2006-01-02")
}
