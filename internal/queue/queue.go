package queue

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"cloudbrowser/internal/monitor"
	"cloudbrowser/internal/session"

	"github.com/google/uuid"
)

// nominalParallelism is the divisor for the wait estimate, matching the
// default pool size.
const nominalParallelism = 3

type Config struct {
	WorkerInterval time.Duration
	UXDelay        time.Duration
}

type waiting struct {
	entry    *Entry
	notified map[Status]bool
}

// Queue serialises capacity requests. One mutex guards the registries; the
// worker pops under the lock and walks each entry to readiness, firing
// callbacks outside it.
type Queue struct {
	mu       sync.Mutex
	sessions SessionStarter
	pool     WarmCounter
	logger   *slog.Logger

	order     []*waiting
	entries   map[string]*waiting
	byIP      map[string]*waiting
	callbacks map[string]Callback

	interval time.Duration
	uxDelay  time.Duration
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(sessions SessionStarter, pool WarmCounter, cfg Config, logger *slog.Logger) *Queue {
	if cfg.WorkerInterval == 0 {
		cfg.WorkerInterval = 500 * time.Millisecond
	}
	if cfg.UXDelay == 0 {
		cfg.UXDelay = 500 * time.Millisecond
	}

	return &Queue{
		sessions:  sessions,
		pool:      pool,
		logger:    logger.With("component", "queue"),
		entries:   make(map[string]*waiting),
		byIP:      make(map[string]*waiting),
		callbacks: make(map[string]Callback),
		interval:  cfg.WorkerInterval,
		uxDelay:   cfg.UXDelay,
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the worker loop. Blocks; run in a goroutine.
func (q *Queue) Start() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.step()
		case <-q.wakeCh:
			q.step()
		}
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Enqueue admits a request. A second submission from the same raw IP while
// its entry is waiting or mid-promotion coalesces: the URL is overwritten and
// the same entry returned, position untouched. The IP mapping lives until the
// entry reaches a terminal status, so at most one entry exists per raw IP.
func (q *Queue) Enqueue(url, rawIP string) Entry {
	q.mu.Lock()
	if w, ok := q.byIP[rawIP]; ok {
		w.entry.URL = url
		snapshot := *w.entry
		q.mu.Unlock()
		q.logger.Info("Coalesced queue entry", "queue_id", snapshot.ID)
		return snapshot
	}

	w := &waiting{
		entry: &Entry{
			ID:        uuid.New().String(),
			URL:       url,
			RawIP:     rawIP,
			Position:  len(q.order) + 1,
			Status:    StatusWaiting,
			CreatedAt: time.Now(),
		},
		notified: make(map[Status]bool),
	}
	q.order = append(q.order, w)
	q.entries[w.entry.ID] = w
	q.byIP[rawIP] = w
	snapshot := *w.entry
	length := len(q.order)
	q.mu.Unlock()

	monitor.QueueLength.Set(float64(length))
	q.logger.Info("Enqueued", "queue_id", snapshot.ID, "position", snapshot.Position)

	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
	return snapshot
}

func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *w.entry, true
}

// Leave removes a waiting entry and its registrations.
func (q *Queue) Leave(id string) {
	q.mu.Lock()
	w, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	q.removeFromOrderLocked(w)
	delete(q.entries, id)
	if q.byIP[w.entry.RawIP] == w {
		delete(q.byIP, w.entry.RawIP)
	}
	delete(q.callbacks, id)
	length := len(q.order)
	q.mu.Unlock()

	monitor.QueueLength.Set(float64(length))
}

// Drain terminates every waiting entry as rate_limited and purges all
// registries. Returns the number of entries dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	drained := q.order
	cbs := make([]Callback, 0, len(drained))
	snapshots := make([]Entry, 0, len(drained))
	for _, w := range drained {
		w.entry.Status = StatusRateLimited
		w.entry.Position = 0
		if cb, ok := q.callbacks[w.entry.ID]; ok {
			cbs = append(cbs, cb)
			snapshots = append(snapshots, *w.entry)
		}
	}
	q.order = nil
	q.entries = make(map[string]*waiting)
	q.byIP = make(map[string]*waiting)
	q.callbacks = make(map[string]Callback)
	q.mu.Unlock()

	for i, cb := range cbs {
		cb(snapshots[i])
	}

	monitor.QueueLength.Set(0)
	q.logger.Info("Queue drained", "count", len(drained))
	return len(drained)
}

func (q *Queue) Subscribe(id string, cb Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; ok {
		q.callbacks[id] = cb
	}
}

// List snapshots the waiting entries in queue order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.order))
	for _, w := range q.order {
		out = append(out, *w.entry)
	}
	return out
}

func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// EstimatedWaitSeconds is zero while anything is warm, otherwise
// ceil(length/3) rounds of the rolling average duration.
func (q *Queue) EstimatedWaitSeconds() int {
	if q.pool.WarmCount() > 0 {
		return 0
	}

	q.mu.Lock()
	length := len(q.order)
	q.mu.Unlock()
	if length == 0 {
		return 0
	}

	rounds := int(math.Ceil(float64(length) / nominalParallelism))
	return rounds * int(q.sessions.AvgDuration().Seconds())
}

// step promotes the head of the queue: rate-limit recheck, preparing,
// connecting, then session start. Bounded capacity failure pushes the entry
// back to the front; hard errors drop it.
func (q *Queue) step() {
	q.mu.Lock()
	if len(q.order) == 0 || q.pool.WarmCount() == 0 {
		q.mu.Unlock()
		return
	}
	w := q.order[0]
	q.order = q.order[1:]
	q.reindexLocked()
	w.entry.Position = 0
	length := len(q.order)
	q.mu.Unlock()

	monitor.QueueLength.Set(float64(length))

	// State may have changed since admission; the limit is enforced here,
	// not at enqueue.
	rl := q.sessions.CheckRateLimit(w.entry.RawIP)
	if !rl.Allowed {
		q.transition(w, StatusRateLimited)
		q.forget(w)
		monitor.QueueRateLimited.Inc()
		q.logger.Info("Entry rate limited", "queue_id", w.entry.ID)
		return
	}

	q.transition(w, StatusPreparing)
	time.Sleep(q.uxDelay)
	q.transition(w, StatusConnecting)

	// A coalescing Enqueue may still rewrite the URL up to this point.
	q.mu.Lock()
	url := w.entry.URL
	q.mu.Unlock()

	sess, err := q.sessions.StartSession(url, w.entry.RawIP)
	if err != nil {
		if errors.Is(err, session.ErrNoCapacity) {
			q.requeueFront(w)
			return
		}
		q.logger.Error("Dropping queue entry", "queue_id", w.entry.ID, "error", err)
		q.forget(w)
		return
	}

	q.mu.Lock()
	w.entry.SessionID = sess.ID
	w.entry.Port = sess.Port
	q.mu.Unlock()

	q.transition(w, StatusReady)
	q.forget(w)
	q.logger.Info("Entry ready", "queue_id", w.entry.ID, "session_id", sess.ID)
}

// transition sets the status and fires the callback at most once per status.
func (q *Queue) transition(w *waiting, status Status) {
	q.mu.Lock()
	w.entry.Status = status
	var cb Callback
	if !w.notified[status] {
		w.notified[status] = true
		cb = q.callbacks[w.entry.ID]
	}
	snapshot := *w.entry
	q.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

func (q *Queue) requeueFront(w *waiting) {
	q.mu.Lock()
	if _, ok := q.entries[w.entry.ID]; !ok {
		// Left or drained while in flight; nothing goes back.
		q.mu.Unlock()
		return
	}
	w.entry.Status = StatusWaiting
	q.order = append([]*waiting{w}, q.order...)
	q.byIP[w.entry.RawIP] = w
	q.reindexLocked()
	length := len(q.order)
	q.mu.Unlock()

	monitor.QueueLength.Set(float64(length))
}

// forget drops a terminal entry's registrations. The IP mapping is released
// only if it still points at this entry.
func (q *Queue) forget(w *waiting) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, w.entry.ID)
	delete(q.callbacks, w.entry.ID)
	if q.byIP[w.entry.RawIP] == w {
		delete(q.byIP, w.entry.RawIP)
	}
}

func (q *Queue) removeFromOrderLocked(target *waiting) {
	for i, w := range q.order {
		if w == target {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.reindexLocked()
}

// reindexLocked keeps positions a contiguous 1-based sequence over waiting
// entries.
func (q *Queue) reindexLocked() {
	for i, w := range q.order {
		w.entry.Position = i + 1
	}
}
