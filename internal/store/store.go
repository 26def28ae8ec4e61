package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the external log sink. Writes are best-effort: implementations
// must never block the session path and callers ignore failures beyond a
// warning log.
type Store interface {
	RecordSessionStart(rec SessionRecord)
	RecordSessionEnd(id string, endedAt time.Time, durationSecs int, reason string)
	History(ctx context.Context, q HistoryQuery) ([]SessionRecord, int, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	AvgDurationSince(ctx context.Context, since time.Time) (float64, error)
}

// MemoryStore keeps history in memory. Used in tests and when no database is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*SessionRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*SessionRecord)}
}

func (s *MemoryStore) RecordSessionStart(rec SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &rec
}

func (s *MemoryStore) RecordSessionEnd(id string, endedAt time.Time, durationSecs int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.EndedAt = endedAt
	rec.DurationSecs = durationSecs
	rec.Reason = reason
}

func (s *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]SessionRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []SessionRecord
	for _, rec := range s.records {
		if q.Search != "" &&
			!strings.Contains(rec.URL, q.Search) &&
			!strings.Contains(rec.AnonIP, q.Search) {
			continue
		}
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	total := len(all)
	page, size := normalisePage(q)
	start := (page - 1) * size
	if start >= total {
		return []SessionRecord{}, total, nil
	}
	end := min(start+size, total)
	return all[start:end], total, nil
}

func (s *MemoryStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AvgDurationSince(ctx context.Context, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, n := 0, 0
	for _, rec := range s.records {
		if rec.DurationSecs > 0 && !rec.StartedAt.Before(since) {
			sum += rec.DurationSecs
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float64(sum) / float64(n), nil
}

func normalisePage(q HistoryQuery) (page, size int) {
	page, size = q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 50
	}
	return page, size
}
