package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pulsehours/internal/model"
)

// RedisLoginAttemptRepo はRedisのソート済みセットでログイン試行を保持するリポジトリ。
// スコアは試行時刻(Unixミリ秒)。失敗は送信元とメールアドレスの両方のキーに、成功は成功用キーに記録する。
// 各キーはretentionで失効し、記録のたびに古いメンバーを取り除く。
type RedisLoginAttemptRepo struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewRedisLoginAttemptRepo はRedisLoginAttemptRepoを生成する。
func NewRedisLoginAttemptRepo(client redis.UniversalClient, prefix string, retention time.Duration) *RedisLoginAttemptRepo {
	if prefix == "" {
		prefix = "pulsehours"
	}
	return &RedisLoginAttemptRepo{
		redis:     client,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

func (r *RedisLoginAttemptRepo) sourceKey(source string) string {
	return r.prefix + ":la:fail:src:" + source
}

func (r *RedisLoginAttemptRepo) emailKey(email string) string {
	return r.prefix + ":la:fail:email:" + email
}

func (r *RedisLoginAttemptRepo) successKey(email string) string {
	return r.prefix + ":la:ok:email:" + email
}

// Record は試行を1件記録する。
func (r *RedisLoginAttemptRepo) Record(ctx context.Context, attempt *model.LoginAttempt) error {
	attemptedAt := attempt.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = r.now()
	}
	member := redis.Z{
		Score:  float64(attemptedAt.UnixMilli()),
		Member: uuid.NewString() + "|" + attempt.SourceAddress + "|" + attempt.Email,
	}

	keys := []string{r.successKey(attempt.Email)}
	if !attempt.Success {
		keys = []string{r.sourceKey(attempt.SourceAddress), r.emailKey(attempt.Email)}
	}
	cutoff := strconv.FormatInt(r.now().Add(-r.retention).UnixMilli(), 10)

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.ZAdd(ctx, key, member)
			if r.retention > 0 {
				pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
				pipe.Expire(ctx, key, r.retention)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// FailuresBySource は送信元アドレスごとのsince以降の失敗を集計する。
func (r *RedisLoginAttemptRepo) FailuresBySource(ctx context.Context, source string, since time.Time) (FailureWindow, error) {
	return r.failures(ctx, r.sourceKey(source), since)
}

// FailuresByEmail はメールアドレスごとのsince以降の失敗を集計する。
func (r *RedisLoginAttemptRepo) FailuresByEmail(ctx context.Context, email string, since time.Time) (FailureWindow, error) {
	return r.failures(ctx, r.emailKey(email), since)
}

func (r *RedisLoginAttemptRepo) failures(ctx context.Context, key string, since time.Time) (FailureWindow, error) {
	lower := "(" + strconv.FormatInt(since.UnixMilli(), 10)

	var (
		countCmd  *redis.IntCmd
		oldestCmd *redis.ZSliceCmd
	)
	_, err := r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		countCmd = pipe.ZCount(ctx, key, lower, "+inf")
		oldestCmd = pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: lower, Max: "+inf", Offset: 0, Count: 1,
		})
		return nil
	})
	if err != nil {
		return FailureWindow{}, fmt.Errorf("failed to count login failures: %w", err)
	}

	window := FailureWindow{Count: int(countCmd.Val())}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		window.Oldest = time.UnixMilli(int64(oldest[0].Score))
	}
	return window, nil
}

// DeleteOlderThan はcutoffより古い試行を全キーから削除し、削除件数を返す。
func (r *RedisLoginAttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var deleted int64
	iter := r.redis.Scan(ctx, 0, r.prefix+":la:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !strings.HasPrefix(key, r.prefix+":la:") {
			continue
		}
		n, err := r.redis.ZRemRangeByScore(ctx, key, "-inf", upper).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to prune %s: %w", key, err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan login attempt keys: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ LoginAttemptRepository = (*RedisLoginAttemptRepo)(nil)
