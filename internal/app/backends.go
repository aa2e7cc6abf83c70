package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pulsehours/internal/config"
	"github.com/hitoshi/pulsehours/internal/database"
	"github.com/hitoshi/pulsehours/internal/repository"
	"github.com/hitoshi/pulsehours/internal/session"
)

// backends は起動時に開いた外部接続をまとめる。
type backends struct {
	db      *sql.DB
	redis   *redis.Client
	closers []func()
}

// openBackends はPostgreSQLと、設定で必要な場合はRedisへ接続する。
// ユーザーの正本は常にPostgreSQLに置く。
func openBackends(cfg *config.Config) (*backends, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	b := &backends{db: db}
	if !usesRedis(cfg) {
		return b, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		b.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connection established",
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
	)
	b.redis = client
	return b, nil
}

func usesRedis(cfg *config.Config) bool {
	return cfg.SessionStore == config.BackendRedis || cfg.AttemptLog == config.BackendRedis
}

// sessionStore は設定に応じたセッションストアを返す。
func (b *backends) sessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore {
	case config.BackendPostgres:
		return session.NewPostgresStore(b.db), nil
	case config.BackendRedis:
		if b.redis == nil {
			return nil, errors.New("redis session store requires a redis connection")
		}
		return session.NewRedisStore(b.redis, cfg.RedisPrefix), nil
	case config.BackendMemory:
		slog.Warn("using in-memory session store; sessions are lost on restart")
		store := session.NewMemoryStore()
		b.closers = append(b.closers, store.Stop)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// attemptLog は設定に応じたログイン試行ログを返す。
func (b *backends) attemptLog(cfg *config.Config) (repository.LoginAttemptRepository, error) {
	switch cfg.AttemptLog {
	case config.BackendPostgres:
		return repository.NewPostgresLoginAttemptRepo(b.db, cfg.LoginAttemptRetention), nil
	case config.BackendRedis:
		if b.redis == nil {
			return nil, errors.New("redis attempt log requires a redis connection")
		}
		return repository.NewRedisLoginAttemptRepo(b.redis, cfg.RedisPrefix, cfg.LoginAttemptRetention), nil
	default:
		return nil, fmt.Errorf("unknown attempt log %q", cfg.AttemptLog)
	}
}

// Close は開いた接続をすべて閉じる。
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if b.db != nil {
		b.db.Close()
	}
}
