package app

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pulsehours/internal/config"
	"github.com/hitoshi/pulsehours/internal/repository"
	"github.com/hitoshi/pulsehours/internal/session"
)

func newRedisBackends(t *testing.T) *backends {
	t.Helper()
	mr := miniredis.RunT(t)
	return &backends{redis: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
}

func testConfig(store, log string) *config.Config {
	return &config.Config{
		SessionStore:          store,
		AttemptLog:            log,
		RedisPrefix:           "test",
		LoginAttemptRetention: 24 * time.Hour,
	}
}

func TestUsesRedis(t *testing.T) {
	tests := []struct {
		store, log string
		want       bool
	}{
		{config.BackendPostgres, config.BackendPostgres, false},
		{config.BackendMemory, config.BackendPostgres, false},
		{config.BackendRedis, config.BackendPostgres, true},
		{config.BackendPostgres, config.BackendRedis, true},
	}
	for _, tt := range tests {
		if got := usesRedis(testConfig(tt.store, tt.log)); got != tt.want {
			t.Errorf("usesRedis(%s, %s) = %v, want %v", tt.store, tt.log, got, tt.want)
		}
	}
}

func TestBackends_SessionStoreSelection(t *testing.T) {
	b := newRedisBackends(t)
	defer b.Close()

	store, err := b.sessionStore(testConfig(config.BackendRedis, config.BackendPostgres))
	if err != nil {
		t.Fatalf("sessionStore(redis) error = %v", err)
	}
	if _, ok := store.(*session.RedisStore); !ok {
		t.Errorf("sessionStore(redis) = %T, want *session.RedisStore", store)
	}

	store, err = b.sessionStore(testConfig(config.BackendPostgres, config.BackendPostgres))
	if err != nil {
		t.Fatalf("sessionStore(postgres) error = %v", err)
	}
	if _, ok := store.(*session.PostgresStore); !ok {
		t.Errorf("sessionStore(postgres) = %T, want *session.PostgresStore", store)
	}

	store, err = b.sessionStore(testConfig(config.BackendMemory, config.BackendPostgres))
	if err != nil {
		t.Fatalf("sessionStore(memory) error = %v", err)
	}
	if _, ok := store.(*session.MemoryStore); !ok {
		t.Errorf("sessionStore(memory) = %T, want *session.MemoryStore", store)
	}
	if len(b.closers) != 1 {
		t.Errorf("memory store should register a closer, got %d", len(b.closers))
	}

	if _, err := b.sessionStore(testConfig("mongo", config.BackendPostgres)); err == nil {
		t.Error("unknown store should return an error")
	}
}

func TestBackends_AttemptLogSelection(t *testing.T) {
	b := newRedisBackends(t)
	defer b.Close()

	log, err := b.attemptLog(testConfig(config.BackendPostgres, config.BackendRedis))
	if err != nil {
		t.Fatalf("attemptLog(redis) error = %v", err)
	}
	if _, ok := log.(*repository.RedisLoginAttemptRepo); !ok {
		t.Errorf("attemptLog(redis) = %T, want *repository.RedisLoginAttemptRepo", log)
	}

	log, err = b.attemptLog(testConfig(config.BackendPostgres, config.BackendPostgres))
	if err != nil {
		t.Fatalf("attemptLog(postgres) error = %v", err)
	}
	if _, ok := log.(*repository.PostgresLoginAttemptRepo); !ok {
		t.Errorf("attemptLog(postgres) = %T, want *repository.PostgresLoginAttemptRepo", log)
	}
}

func TestBackends_RedisRequired(t *testing.T) {
	b := &backends{}

	if _, err := b.sessionStore(testConfig(config.BackendRedis, config.BackendPostgres)); err == nil {
		t.Error("redis session store without a client should fail")
	}
	if _, err := b.attemptLog(testConfig(config.BackendPostgres, config.BackendRedis)); err == nil {
		t.Error("redis attempt log without a client should fail")
	}
}

func TestNewCleanupJob_UsesConfiguredRetention(t *testing.T) {
	b := &backends{}
	cfg := testConfig(config.BackendRedis, config.BackendPostgres)
	cfg.LoginAttemptRetention = 48 * time.Hour

	job := newCleanupJob(cfg, b, repository.NewPostgresLoginAttemptRepo(nil, cfg.LoginAttemptRetention))
	if job.Retention != 48*time.Hour {
		t.Errorf("Retention = %v, want 48h", job.Retention)
	}
}
