package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

const (
	// CSRFFieldName はフォームの隠しフィールド名。
	CSRFFieldName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFTokens はセッションに紐づくCSRFトークンの発行と検証を行うインターフェース。
// auth.CSRFGuardが実装する。
type CSRFTokens interface {
	Token(ctx context.Context, s *session.Session) (string, error)
	Verify(s *session.Session, token string) bool
}

// NewCSRFMiddleware はセッションに保存されたトークンで状態変更リクエストを検証するミドルウェアを返す。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証をスキップする。
// トークンはX-CSRF-Tokenヘッダー、なければフォームのcsrf_tokenから読み取る。
// セッションミドルウェアの後に配置する。
func NewCSRFMiddleware(tokens CSRFTokens) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			s, ok := session.FromContext(r.Context())
			if !ok {
				slog.Error("CSRF validation failed: no session in context",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteAuthError(w, model.NewInvalidCSRFError())
				return
			}

			if !tokens.Verify(s, RequestCSRFToken(r)) {
				slog.Warn("CSRF validation failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("source", ClientIP(r)),
				)
				WriteAuthError(w, model.NewInvalidCSRFError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
// セッションにトークンがなければ新規生成する。
func NewCSRFTokenHandler(tokens CSRFTokens) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := session.FromContext(r.Context())
		if !ok {
			WriteInternalServerError(w)
			return
		}

		token, err := tokens.Token(r.Context(), s)
		if err != nil {
			slog.Error("failed to issue CSRF token", slog.String("error", err.Error()))
			WriteInternalServerError(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// RequestCSRFToken はリクエストからCSRFトークンを取り出す。ヘッダーを優先する。
func RequestCSRFToken(r *http.Request) string {
	if token := r.Header.Get(csrfHeaderName); token != "" {
		return token
	}
	return r.PostFormValue(CSRFFieldName)
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
