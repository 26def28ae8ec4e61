package api_test

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloudbrowser/internal/api"
	"cloudbrowser/internal/pool"
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/realtime"
	"cloudbrowser/internal/session"
	"cloudbrowser/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminUser = "admin"
	adminPass = "secret"
)

type stubPool struct {
	mu       sync.Mutex
	capacity int
	next     int
}

func (s *stubPool) Acquire(sessionID string) *pool.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capacity <= 0 {
		return nil
	}
	s.capacity--
	s.next++
	return &pool.Claim{ID: fmt.Sprintf("c%d", s.next), Port: 4000 + s.next}
}

func (s *stubPool) Release(id string)        {}
func (s *stubPool) LaunchApp(id, url string) {}

type testEnv struct {
	router   *gin.Engine
	sessions *session.Manager
	queue    *queue.Queue
	pool     *pool.Pool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := pool.New(nil, logger, pool.Config{
		Size:           3,
		PortRangeStart: 4000,
		PortRangeEnd:   4010,
	})
	st := store.NewMemoryStore()
	sessions := session.NewManager(&stubPool{capacity: 5}, st, session.ManagerConfig{}, logger)
	q := queue.New(sessions, p, queue.Config{WorkerInterval: time.Hour}, logger)
	hub := realtime.NewHub(sessions, q, realtime.Config{TickInterval: time.Hour}, logger)

	router := api.NewRouter(api.Deps{
		Sessions:      sessions,
		Queue:         q,
		Pool:          p,
		Hub:           hub,
		Store:         st,
		FrontendURL:   "http://localhost:3000",
		AdminUser:     adminUser,
		AdminPassword: adminPass,
	})

	return &testEnv{router: router, sessions: sessions, queue: q, pool: p}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doAdmin(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(adminUser, adminPass)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestCreateSessionEnqueues(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/session", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queueId"`)
	assert.Contains(t, w.Body.String(), `"position":1`)

	// Same client IP coalesces onto the existing entry.
	w = env.do(http.MethodPost, "/api/session", `{"url":"https://other.example"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"position":1`)
	assert.Equal(t, 1, env.queue.Length())
}

func TestCreateSessionMissingURL(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/session", `{"url":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/session", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionBlockedProtocol(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/session", `{"url":"file:///etc/passwd"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "blocked protocol")
	assert.Equal(t, 0, env.queue.Length())
}

func TestCreateSessionPaused(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.SetPaused(true)

	w := env.do(http.MethodPost, "/api/session", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/session/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	w = env.do(http.MethodGet, "/api/session/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"active"`)
	assert.Contains(t, w.Body.String(), `"timeRemaining"`)
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodDelete, "/api/session/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	w = env.do(http.MethodDelete, "/api/session/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.sessions.GetSession(sess.ID)
	assert.Equal(t, session.StatusEnded, got.Status)
}

func TestRateLimitStatus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/session/rate-limit/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"used":0`)
	assert.Contains(t, w.Body.String(), `"limit":10`)
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/queue/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	entry := env.queue.Enqueue("https://example.com", "10.0.0.5")

	w = env.do(http.MethodGet, "/api/queue/"+entry.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"position":1`)

	w = env.do(http.MethodDelete, "/api/queue/"+entry.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.queue.Length())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"queueLength":0`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cloud_browser_")
}

func TestAdminRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/admin/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.SetBasicAuth(adminUser, "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	w := env.doAdmin(http.MethodGet, "/api/admin/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":1`)
	assert.Contains(t, w.Body.String(), `"sessionsToday":1`)
	assert.Contains(t, w.Body.String(), `"paused":false`)
}

func TestAdminSessionsAndQueueLists(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)
	env.queue.Enqueue("https://waiting.example", "10.0.0.6")

	w := env.doAdmin(http.MethodGet, "/api/admin/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sess.ID)
	assert.Contains(t, w.Body.String(), `"anonIp":"10.0.0.*"`)

	w = env.doAdmin(http.MethodGet, "/api/admin/queue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"length":1`)
}

func TestAdminKillSession(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(http.MethodPost, "/api/admin/sessions/unknown/kill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	sess, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)

	w = env.doAdmin(http.MethodPost, "/api/admin/sessions/"+sess.ID+"/kill", "")
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.sessions.GetSession(sess.ID)
	assert.Equal(t, session.StatusEnded, got.Status)
}

func TestAdminPauseResume(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(http.MethodPost, "/api/admin/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.sessions.Paused())

	w = env.do(http.MethodPost, "/api/session", `{"url":"https://example.com"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.doAdmin(http.MethodPost, "/api/admin/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.sessions.Paused())
}

func TestAdminDrainQueue(t *testing.T) {
	env := newTestEnv(t)

	env.queue.Enqueue("https://a.example", "10.0.0.1")
	env.queue.Enqueue("https://b.example", "10.0.0.2")

	w := env.doAdmin(http.MethodPost, "/api/admin/queue/drain", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dropped":2`)
	assert.Equal(t, 0, env.queue.Length())
}

func TestAdminIPActions(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(http.MethodPost, "/api/admin/ip/block", `{"ip":"10.0.0.5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.sessions.CheckRateLimit("10.0.0.5").Allowed)

	w = env.doAdmin(http.MethodPost, "/api/admin/ip/unblock", `{"ip":"10.0.0.5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.sessions.CheckRateLimit("10.0.0.5").Allowed)

	w = env.doAdmin(http.MethodPost, "/api/admin/ip/explode", `{"ip":"10.0.0.5"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.doAdmin(http.MethodPost, "/api/admin/ip/block", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminConfigValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{
		`{"poolSize":0}`,
		`{"poolSize":21}`,
		`{"sessionDuration":59}`,
		`{"sessionDuration":1801}`,
	} {
		w := env.doAdmin(http.MethodPost, "/api/admin/config", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}

	w := env.doAdmin(http.MethodPost, "/api/admin/config", `{"poolSize":5,"sessionDuration":600}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, env.pool.PoolSize())
	assert.Equal(t, 600*time.Second, env.sessions.CurrentDuration())
}

func TestAdminPoolAndHistory(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.sessions.StartSession("https://example.com", "10.0.0.5")
	require.NoError(t, err)
	env.sessions.EndSession(sess.ID, session.ReasonUserEnded)

	w := env.doAdmin(http.MethodGet, "/api/admin/pool", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"containers"`)

	w = env.doAdmin(http.MethodGet, "/api/admin/history?search=example", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
	assert.Contains(t, w.Body.String(), sess.ID)

	w = env.doAdmin(http.MethodGet, "/api/admin/history?search=nomatch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":0`)

	w = env.doAdmin(http.MethodGet, "/api/admin/rate-limits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"10.0.0.*"`)
}
