package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// memoryEntry はMemoryStoreの1エントリ。
// movedToが空でなければローテーション済みの転送用エントリ。
type memoryEntry struct {
	data    *Data
	movedTo string
}

// MemoryStore はttlcacheを使ったプロセス内セッションストア。
// 開発環境と単一プロセス構成向け。
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *memoryEntry]
}

// NewMemoryStore はMemoryStoreを生成し、期限切れエントリの掃除を開始する。
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *memoryEntry](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

// Stop は掃除用のバックグラウンドゴルーチンを停止する。
func (s *MemoryStore) Stop() {
	s.cache.Stop()
}

// Create は新規セッションを保存する。
func (s *MemoryStore) Create(_ context.Context, id string, data *Data, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Has(id) {
		return fmt.Errorf("session %s already exists", id)
	}
	s.cache.Set(id, &memoryEntry{data: data.Clone()}, ttl)
	return nil
}

// Load はセッションを取得する。
func (s *MemoryStore) Load(_ context.Context, id string) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrNotFound
	}
	entry := item.Value()
	if entry.movedTo != "" {
		return nil, &RotatedError{NewID: entry.movedTo}
	}
	return entry.data.Clone(), nil
}

// Save は既存セッションを上書きする。
func (s *MemoryStore) Save(_ context.Context, id string, data *Data, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(id)
	if item == nil || item.Value().movedTo != "" {
		return ErrNotFound
	}
	s.cache.Set(id, &memoryEntry{data: data.Clone()}, ttl)
	return nil
}

// Rotate はoldIDをnewIDへアトミックに移す。
func (s *MemoryStore) Rotate(_ context.Context, oldID, newID string, data *Data, ttl, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(oldID)
	if item == nil {
		return ErrNotFound
	}
	if movedTo := item.Value().movedTo; movedTo != "" {
		return &RotatedError{NewID: movedTo}
	}

	s.cache.Set(newID, &memoryEntry{data: data.Clone()}, ttl)
	if grace > 0 {
		s.cache.Set(oldID, &memoryEntry{movedTo: newID}, grace)
	} else {
		s.cache.Delete(oldID)
	}
	return nil
}

// Delete はセッションを破棄する。
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Delete(id)
	return nil
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
