package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
)

// LogWorker consumes session:log tasks and writes them into Postgres.
type LogWorker struct {
	db     *pg.DB
	logger *slog.Logger
}

func NewLogWorker(db *pg.DB, logger *slog.Logger) *LogWorker {
	return &LogWorker{
		db:     db,
		logger: logger.With("component", "log-worker"),
	}
}

func (w *LogWorker) HandleSessionLog(ctx context.Context, task *asynq.Task) error {
	var payload SessionLogPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("json unmarshal error: %w", err)
	}

	switch payload.Op {
	case opStart:
		rec := payload.Record
		if _, err := w.db.ModelContext(ctx, &rec).
			OnConflict("(id) DO NOTHING").
			Insert(); err != nil {
			w.logger.Warn("Failed to insert session record", "session_id", rec.ID, "error", err)
			return err
		}
	case opEnd:
		if _, err := w.db.ModelContext(ctx, &SessionRecord{}).
			Set("ended_at = ?", payload.EndedAt).
			Set("duration_secs = ?", payload.DurationSecs).
			Set("reason = ?", payload.Reason).
			Where("id = ?", payload.Record.ID).
			Update(); err != nil {
			w.logger.Warn("Failed to update session record", "session_id", payload.Record.ID, "error", err)
			return err
		}
	default:
		return fmt.Errorf("unknown log op: %s", payload.Op)
	}

	return nil
}
