package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rotateScript はKEYS[1](旧)を削除してKEYS[2](新)を作成し、
// grace指定時はKEYS[3]に転送先を残す。1スクリプトで実行するため並行ローテーションは1つだけ成功する。
const rotateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  local moved = redis.call("GET", KEYS[3])
  if moved then
    return {2, moved}
  end
  return {0, ""}
end
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
if tonumber(ARGV[4]) > 0 then
  redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[4])
end
return {1, ""}
`

var rotateLua = redis.NewScript(rotateScript)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRotated  int64 = 1
	rotateStatusMoved    int64 = 2
)

// RedisStore はRedisを使ったセッションストア。
// 生存中のデータは "<prefix>:s:<id>"、ローテーション済みの転送先は "<prefix>:m:<id>" に置く。
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pulsehours"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) liveKey(id string) string {
	return s.prefix + ":s:" + id
}

func (s *RedisStore) movedKey(id string) string {
	return s.prefix + ":m:" + id
}

// Create は新規セッションを保存する。
func (s *RedisStore) Create(ctx context.Context, id string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, s.liveKey(id), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", id)
	}
	return nil
}

// Load はセッションを取得する。生存キーと転送キーを1往復で読む。
func (s *RedisStore) Load(ctx context.Context, id string) (*Data, error) {
	values, err := s.redis.MGet(ctx, s.liveKey(id), s.movedKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if raw, ok := values[0].(string); ok {
		data := &Data{}
		if err := json.Unmarshal([]byte(raw), data); err != nil {
			return nil, fmt.Errorf("failed to decode session: %w", err)
		}
		return data, nil
	}
	if movedTo, ok := values[1].(string); ok && movedTo != "" {
		return nil, &RotatedError{NewID: movedTo}
	}
	return nil, ErrNotFound
}

// Save は既存セッションを上書きする。キーが無ければ作成しない（SET XX）。
func (s *RedisStore) Save(ctx context.Context, id string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ok, err := s.redis.SetXX(ctx, s.liveKey(id), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Rotate はLuaスクリプトでoldIDからnewIDへアトミックに移す。
func (s *RedisStore) Rotate(ctx context.Context, oldID, newID string, data *Data, ttl, grace time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	res, err := rotateLua.Run(ctx, s.redis,
		[]string{s.liveKey(oldID), s.liveKey(newID), s.movedKey(oldID)},
		string(payload), ttl.Milliseconds(), newID, grace.Milliseconds(),
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to rotate session: %w", err)
	}
	if len(res) != 2 {
		return errors.New("unexpected rotate script result")
	}

	status, _ := res[0].(int64)
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusMoved:
		movedTo, _ := res[1].(string)
		return &RotatedError{NewID: movedTo}
	default:
		return ErrNotFound
	}
}

// Delete はセッションを破棄する。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.liveKey(id), s.movedKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
