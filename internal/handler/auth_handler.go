// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/middleware"
	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, sess *session.Session, req auth.LoginRequest) (*auth.LoginResult, error)
	Logout(ctx context.Context, sess *session.Session) error
}

// SessionManager はハンドラーとルーターが必要とするセッション操作。
// session.Managerが実装する。
type SessionManager interface {
	middleware.SessionInitializer
	IsLoggedIn(s *session.Session) bool
	CurrentUser(ctx context.Context, s *session.Session) (*model.UserSnapshot, error)
	TakeFlash(ctx context.Context, s *session.Session) (string, error)
}

// AuthHandler はログイン・ログアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionManager
	csrf     middleware.CSRFTokens
	renderer *Renderer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionManager, csrf middleware.CSRFTokens, renderer *Renderer) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		csrf:     csrf,
		renderer: renderer,
	}
}

// LoginPage はログインフォームを表示する。
// GET /auth/login
// ログイン済みの場合はロールに応じた画面へリダイレクトする。
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	if h.sessions.IsLoggedIn(s) {
		user, err := h.sessions.CurrentUser(r.Context(), s)
		if err != nil {
			slog.Error("failed to load current user", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		if user != nil {
			http.Redirect(w, r, auth.LandingPath(user), http.StatusFound)
			return
		}
	}

	notice, err := h.sessions.TakeFlash(r.Context(), s)
	if err != nil {
		slog.Warn("failed to read flash message", slog.String("error", err.Error()))
	}

	h.renderLogin(w, r, s, http.StatusOK, PageData{Notice: notice})
}

// Login はログインフォームの送信を処理する。
// POST /auth/login
// 成功時はロール別の画面または保存されたリダイレクト先へ303で遷移する。
// 失敗時はメールアドレスを残したままフォームを再表示する。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.renderLogin(w, r, s, http.StatusBadRequest, PageData{Error: model.MsgInvalidFormSubmit})
		return
	}

	email := r.PostFormValue("email")
	if !h.csrf.Verify(s, r.PostFormValue(middleware.CSRFFieldName)) {
		slog.Warn("login form CSRF validation failed",
			slog.String("source", middleware.ClientIP(r)),
		)
		h.renderLogin(w, r, s, http.StatusForbidden, PageData{Email: email, Error: model.MsgInvalidFormSubmit})
		return
	}

	result, err := h.service.Login(r.Context(), s, auth.LoginRequest{
		Email:         email,
		Password:      r.PostFormValue("password"),
		SourceAddress: middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		var authErr *model.AuthError
		if !errors.As(err, &authErr) {
			authErr = model.NewSystemError(err)
		}
		if authErr.Kind == model.KindRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(authErr.RetryAfterSeconds()))
		}
		h.renderLogin(w, r, s, middleware.StatusForKind(authErr.Kind), PageData{Email: email, Error: authErr.Message})
		return
	}

	http.Redirect(w, r, result.Redirect, http.StatusSeeOther)
}

// Logout はセッションを破棄してログイン画面へリダイレクトする。
// GET|POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if ok {
		if err := h.service.Logout(r.Context(), s); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// 破棄に失敗してもログイン画面へ誘導する
		}
	}

	http.Redirect(w, r, auth.LoginPath, http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	user, err := h.sessions.CurrentUser(r.Context(), s)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		middleware.WriteAuthError(w, model.NewNotLoggedInError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(user)
}

// renderLogin はCSRFトークンを埋め込んでログインフォームを描画する。
// パスワード欄は常に空で返す。
func (h *AuthHandler) renderLogin(w http.ResponseWriter, r *http.Request, s *session.Session, status int, data PageData) {
	token, err := h.csrf.Token(r.Context(), s)
	if err != nil {
		slog.Error("failed to issue CSRF token", slog.String("error", err.Error()))
		http.Error(w, model.MsgSystemError, http.StatusInternalServerError)
		return
	}
	data.CSRFToken = token
	h.renderer.Render(w, status, pageLogin, data)
}
