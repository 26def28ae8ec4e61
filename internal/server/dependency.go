package server

import (
	"context"
	"fmt"
	"log/slog"

	"cloudbrowser/internal/config"
	"cloudbrowser/internal/store"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency holds the external infrastructure clients: the container
// runtime, the store's Postgres and Redis, and the asynq task client.
type Dependency struct {
	Docker      *client.Client
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger

	closers []func()
}

// InitDeps connects and pings every external dependency. On any failure the
// clients opened so far are closed before the error is returned.
func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	d := &Dependency{Logger: logger}

	fail := func(err error) (*Dependency, error) {
		d.Close()
		return nil, err
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fail(fmt.Errorf("docker client: %w", err))
	}
	d.Docker = dockerClient
	d.closers = append(d.closers, func() { dockerClient.Close() })
	if _, err := dockerClient.Ping(ctx); err != nil {
		return fail(fmt.Errorf("docker ping: %w", err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Redis = redisClient
	d.closers = append(d.closers, func() { redisClient.Close() })
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fail(fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err))
	}

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	d.PG = pgDB
	d.closers = append(d.closers, func() { pgDB.Close() })
	if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
		return fail(fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err))
	}

	if err := pgDB.Model(&store.SessionRecord{}).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	}); err != nil {
		return fail(fmt.Errorf("auto-migrate: %w", err))
	}

	d.AsynqRedis = asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
	d.AsynqClient = asynq.NewClient(d.AsynqRedis)
	d.closers = append(d.closers, func() { d.AsynqClient.Close() })

	return d, nil
}

// Close releases the clients in reverse acquisition order.
func (d *Dependency) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
