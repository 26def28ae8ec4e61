package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloudbrowser/internal/pool"
	"cloudbrowser/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu       sync.Mutex
	capacity int
	next     int
	released []string
	launched map[string]string
}

func newFakePool(capacity int) *fakePool {
	return &fakePool{capacity: capacity, launched: make(map[string]string)}
}

func (f *fakePool) Acquire(sessionID string) *pool.Claim {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity <= 0 {
		return nil
	}
	f.capacity--
	f.next++
	return &pool.Claim{ID: fmt.Sprintf("c%d", f.next), Port: 4000 + f.next}
}

func (f *fakePool) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

func (f *fakePool) LaunchApp(id, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched[id] = url
}

func (f *fakePool) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(p *fakePool, cfg ManagerConfig) *Manager {
	return NewManager(p, store.NewMemoryStore(), cfg, testLogger())
}

func TestStartSessionBindsWarmContainer(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, "10.0.0.*", sess.AnonIP)
	assert.Equal(t, 4001, sess.Port)
	assert.Equal(t, "https://example.com", sess.URL)
	assert.Equal(t, "https://example.com", p.launched["c1"])

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.ID, got.ID)
}

func TestStartSessionNoCapacity(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{})

	_, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	_, err = m.StartSession("https://example.org", "10.0.0.6")
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestEndSessionIdempotent(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	assert.True(t, m.EndSession(sess.ID, ReasonUserEnded))
	assert.Equal(t, []string{"c1"}, p.releasedIDs())

	// Second call changes nothing.
	assert.False(t, m.EndSession(sess.ID, ReasonUserEnded))
	assert.Equal(t, []string{"c1"}, p.releasedIDs())

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusEnded, got.Status)
}

func TestEndSessionExpiredStatus(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	assert.True(t, m.EndSession(sess.ID, ReasonExpired))

	got, _ := m.GetSession(sess.ID)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestEndSessionUnknown(t *testing.T) {
	m := newTestManager(newFakePool(0), ManagerConfig{})
	assert.False(t, m.EndSession("nope", ReasonUserEnded))
}

func TestExpireSessions(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{Duration: 10 * time.Millisecond})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.expireSessions()

	got, _ := m.GetSession(sess.ID)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, []string{"c1"}, p.releasedIDs())
}

func TestEndedSessionsPruned(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{RetainEnded: 10 * time.Millisecond})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)
	m.EndSession(sess.ID, ReasonUserEnded)

	// Inside the retention window the terminal state is still readable.
	m.expireSessions()
	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusEnded, got.Status)

	time.Sleep(20 * time.Millisecond)
	m.expireSessions()

	_, ok = m.GetSession(sess.ID)
	assert.False(t, ok)
}

func TestRateLimit(t *testing.T) {
	p := newFakePool(10)
	m := newTestManager(p, ManagerConfig{RateLimitPerDay: 2})

	rl := m.CheckRateLimit("10.0.0.5")
	assert.True(t, rl.Allowed)
	assert.Equal(t, 0, rl.Used)
	assert.Equal(t, 2, rl.Remaining)

	for range 2 {
		_, err := m.StartSession("https://example.com", "10.0.0.5")
		require.NoError(t, err)
	}

	rl = m.CheckRateLimit("10.0.0.5")
	assert.False(t, rl.Allowed)
	assert.Equal(t, 2, rl.Used)
	assert.Equal(t, 0, rl.Remaining)

	// Another IP is unaffected.
	assert.True(t, m.CheckRateLimit("10.0.0.6").Allowed)

	m.ClearLimit("10.0.0.5")
	assert.True(t, m.CheckRateLimit("10.0.0.5").Allowed)
}

func TestRateLimitBlockAndWhitelist(t *testing.T) {
	p := newFakePool(10)
	m := newTestManager(p, ManagerConfig{RateLimitPerDay: 1})

	m.Block("10.0.0.5")
	rl := m.CheckRateLimit("10.0.0.5")
	assert.False(t, rl.Allowed)
	assert.True(t, rl.Blocked)

	m.Unblock("10.0.0.5")
	assert.True(t, m.CheckRateLimit("10.0.0.5").Allowed)

	// Whitelisted IPs never hit the daily limit.
	m.Whitelist("10.0.0.6")
	_, err := m.StartSession("https://example.com", "10.0.0.6")
	require.NoError(t, err)
	assert.True(t, m.CheckRateLimit("10.0.0.6").Allowed)

	m.Unwhitelist("10.0.0.6")
	assert.False(t, m.CheckRateLimit("10.0.0.6").Allowed)
}

func TestTimeRemaining(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{Duration: 300 * time.Second})

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	tr := m.TimeRemaining(sess.ID)
	assert.Greater(t, tr, 290)
	assert.LessOrEqual(t, tr, 300)

	m.EndSession(sess.ID, ReasonUserEnded)
	assert.Equal(t, 0, m.TimeRemaining(sess.ID))
	assert.Equal(t, 0, m.TimeRemaining("unknown"))
}

func TestAvgDurationFallback(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{Duration: 120 * time.Second})

	// Empty window falls back to the configured duration.
	assert.Equal(t, 120*time.Second, m.AvgDuration())

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)
	m.EndSession(sess.ID, ReasonUserEnded)

	// One near-instant session drags the average well below the fallback.
	assert.Less(t, m.AvgDuration(), 120*time.Second)
}

func TestPausedFlag(t *testing.T) {
	m := newTestManager(newFakePool(0), ManagerConfig{})

	assert.False(t, m.Paused())
	m.SetPaused(true)
	assert.True(t, m.Paused())
	m.SetPaused(false)
	assert.False(t, m.Paused())
}

func TestSetDuration(t *testing.T) {
	p := newFakePool(1)
	m := newTestManager(p, ManagerConfig{Duration: 300 * time.Second})

	m.SetDuration(60 * time.Second)
	assert.Equal(t, 60*time.Second, m.CurrentDuration())

	sess, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)
	assert.LessOrEqual(t, m.TimeRemaining(sess.ID), 60)
}

func TestStatsAndPeakConcurrent(t *testing.T) {
	p := newFakePool(3)
	m := newTestManager(p, ManagerConfig{})

	s1, err := m.StartSession("https://one.example", "10.0.0.1")
	require.NoError(t, err)
	s2, err := m.StartSession("https://two.example", "10.0.0.2")
	require.NoError(t, err)

	m.EndSession(s1.ID, ReasonUserEnded)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.SessionsToday)
	assert.Equal(t, 2, stats.PeakConcurrent)

	m.EndSession(s2.ID, ReasonUserEnded)
	stats = m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 2, stats.PeakConcurrent)
}

func TestActiveSessionsSorted(t *testing.T) {
	p := newFakePool(3)
	m := newTestManager(p, ManagerConfig{})

	s1, err := m.StartSession("https://one.example", "10.0.0.1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	s2, err := m.StartSession("https://two.example", "10.0.0.2")
	require.NoError(t, err)

	active := m.ActiveSessions()
	require.Len(t, active, 2)
	assert.Equal(t, s1.ID, active[0].ID)
	assert.Equal(t, s2.ID, active[1].ID)
}

func TestRateLimitInfoAnonymizes(t *testing.T) {
	p := newFakePool(5)
	m := newTestManager(p, ManagerConfig{RateLimitPerDay: 1})

	_, err := m.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	info := m.RateLimitInfo()
	assert.Equal(t, 1, info.PerIPToday["10.0.0.*"])
	assert.Contains(t, info.LimitedIPs, "10.0.0.*")
	assert.NotContains(t, info.PerIPToday, "10.0.0.5")
}
