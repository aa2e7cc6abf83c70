// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pulsehours/internal/session"
)

// SessionInitializer はリクエストごとのセッション初期化に必要なインターフェース。
// session.Managerが実装する。
type SessionInitializer interface {
	Init(ctx context.Context, w http.ResponseWriter, r *http.Request) (*session.Session, error)
}

// NewSessionMiddleware はCookieからセッションを復元し、リクエストコンテキストに注入するミドルウェアを返す。
// 匿名リクエストにもセッションを割り当てる。
// セッションストアに到達できない場合は500を返し、後続ハンドラーを呼ばない。
func NewSessionMiddleware(sessions SessionInitializer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := sessions.Init(r.Context(), w, r)
			if err != nil {
				slog.Error("failed to initialize session",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), s)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストのセッションからログイン中のユーザーIDを取得する。
// セッションミドルウェアを通過し、かつログイン済みのリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	s, ok := session.FromContext(ctx)
	if !ok {
		return "", fmt.Errorf("session not found in context")
	}
	userID := s.UserID()
	if userID == "" {
		return "", fmt.Errorf("user ID not found in session")
	}
	return userID, nil
}
