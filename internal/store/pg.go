package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const aggregateCacheTTL = 60 * time.Second

// PGStore persists session history in Postgres. Writes are handed to asynq
// so the session path never waits on the database; aggregate reads go through
// a short-lived redis cache.
type PGStore struct {
	db     *pg.DB
	cache  redis.Cmdable
	queue  *asynq.Client
	logger *slog.Logger
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pg.DB, cache redis.Cmdable, queue *asynq.Client, logger *slog.Logger) *PGStore {
	return &PGStore{
		db:     db,
		cache:  cache,
		queue:  queue,
		logger: logger.With("component", "store"),
	}
}

func (s *PGStore) RecordSessionStart(rec SessionRecord) {
	s.enqueue(SessionLogPayload{Op: opStart, Record: rec})
}

func (s *PGStore) RecordSessionEnd(id string, endedAt time.Time, durationSecs int, reason string) {
	s.enqueue(SessionLogPayload{
		Op:           opEnd,
		Record:       SessionRecord{ID: id},
		EndedAt:      endedAt,
		DurationSecs: durationSecs,
		Reason:       reason,
	})
}

func (s *PGStore) enqueue(payload SessionLogPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("Failed to marshal log payload", "error", err)
		return
	}
	if _, err := s.queue.Enqueue(asynq.NewTask(SessionLogTask, data)); err != nil {
		s.logger.Warn("Failed to enqueue log write", "session_id", payload.Record.ID, "error", err)
	}
}

func (s *PGStore) History(ctx context.Context, q HistoryQuery) ([]SessionRecord, int, error) {
	page, size := normalisePage(q)

	var records []SessionRecord
	query := s.db.ModelContext(ctx, &records)
	if q.Search != "" {
		pattern := "%" + q.Search + "%"
		query = query.WhereGroup(func(g *pg.Query) (*pg.Query, error) {
			return g.Where("url ILIKE ?", pattern).WhereOr("anon_ip ILIKE ?", pattern), nil
		})
	}

	total, err := query.
		Order("started_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		SelectAndCount()
	if err != nil {
		return nil, 0, fmt.Errorf("history query: %w", err)
	}
	return records, total, nil
}

func (s *PGStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	key := fmt.Sprintf("stats:count:%s", since.Format("2006-01-02"))
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, key).Int(); err == nil {
			return val, nil
		}
	}

	count, err := s.db.ModelContext(ctx, &SessionRecord{}).
		Where("started_at >= ?", since).
		Count()
	if err != nil {
		return 0, fmt.Errorf("count query: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, count, aggregateCacheTTL).Err()
	}
	return count, nil
}

func (s *PGStore) AvgDurationSince(ctx context.Context, since time.Time) (float64, error) {
	key := fmt.Sprintf("stats:avgdur:%s", since.Format("2006-01-02"))
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, key).Float64(); err == nil {
			return val, nil
		}
	}

	var avg float64
	err := s.db.ModelContext(ctx, &SessionRecord{}).
		ColumnExpr("COALESCE(AVG(duration_secs), 0)").
		Where("started_at >= ?", since).
		Where("duration_secs > 0").
		Select(&avg)
	if err != nil {
		return 0, fmt.Errorf("avg duration query: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, key, avg, aggregateCacheTTL).Err()
	}
	return avg, nil
}
