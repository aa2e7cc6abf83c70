package session

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Session はリクエストスコープのセッションハンドル。
// SessionMiddlewareがInitで生成し、リクエストコンテキスト経由でハンドラーに渡す。
// 状態の変更はManagerのメソッドを通して行い、Storeへ即時に反映する。
type Session struct {
	mu      sync.Mutex
	id      string
	data    *Data
	w       http.ResponseWriter
	expired bool
}

// ID は現在のセッション識別子を返す。破棄直後は空文字。
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsLoggedIn はセッションにユーザーIDが設定されているかどうかを返す。
func (s *Session) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UserID != ""
}

// UserID はログイン中のユーザーIDを返す。匿名セッションでは空文字。
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UserID
}

// CSRFToken はセッションに保存済みのCSRFトークンを返す。未発行なら空文字。
func (s *Session) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CSRFToken
}

// LastActivity は最終アクティビティ時刻を返す。
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastActivity
}

// LastRegeneration は最後に識別子を再生成した時刻を返す。
func (s *Session) LastRegeneration() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastRegeneration
}

// Expired はこのリクエストで無操作タイムアウトによりセッションが作り直されたかどうかを返す。
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

type sessionContextKey struct{}

// WithSession はコンテキストにセッションを注入する。
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext はリクエストコンテキストからセッションを取得する。
// SessionMiddlewareを通過したリクエストでのみ有効。
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok && s != nil
}
