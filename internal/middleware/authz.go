package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// Authorizer はページ単位の認可判定を行うインターフェース。auth.Gateが実装する。
type Authorizer interface {
	RequireLogin(ctx context.Context, s *session.Session, requested string) error
	RequireAdmin(ctx context.Context, s *session.Session, requested string) error
}

// AuthzConfig は認可ミドルウェアの遷移先設定。
type AuthzConfig struct {
	LoginPath string
	// Forbidden は権限不足時のページを403で描画するハンドラー。nilの場合はJSONで返す。
	Forbidden http.Handler
}

// NewRequireLoginMiddleware はログイン済みでなければログイン画面へリダイレクトするミドルウェアを返す。
// APIリクエストには401をJSONで返す。
func NewRequireLoginMiddleware(gate Authorizer, config AuthzConfig) func(next http.Handler) http.Handler {
	return newAuthzMiddleware(gate.RequireLogin, config)
}

// NewRequireAdminMiddleware は管理者でなければ403を返すミドルウェアを返す。
// 未ログインの場合はログイン画面へリダイレクトする。
func NewRequireAdminMiddleware(gate Authorizer, config AuthzConfig) func(next http.Handler) http.Handler {
	return newAuthzMiddleware(gate.RequireAdmin, config)
}

type authzCheck func(ctx context.Context, s *session.Session, requested string) error

func newAuthzMiddleware(check authzCheck, config AuthzConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, ok := session.FromContext(r.Context())
			if !ok {
				slog.Error("authorization failed: no session in context",
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}

			// ログイン後に戻る先はページ遷移（GET）のみ保存する
			requested := ""
			if r.Method == http.MethodGet && !wantsJSON(r) {
				requested = r.URL.RequestURI()
			}

			err := check(r.Context(), s, requested)
			switch model.KindOf(err) {
			case model.KindOK:
				next.ServeHTTP(w, r)
			case model.KindNotLoggedIn:
				if wantsJSON(r) {
					WriteAuthError(w, err)
					return
				}
				http.Redirect(w, r, config.LoginPath, http.StatusFound)
			case model.KindForbidden:
				if config.Forbidden == nil || wantsJSON(r) {
					WriteAuthError(w, err)
					return
				}
				config.Forbidden.ServeHTTP(w, r)
			default:
				slog.Error("authorization failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
			}
		})
	}
}

// wantsJSON はAPIリクエストかどうかを判定する。
func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}
