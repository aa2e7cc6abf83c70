package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/middleware"
	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// PageHandler はログイン後の画面を描画する。
// 認可はルーターのミドルウェアで済ませてある前提。
type PageHandler struct {
	sessions SessionManager
	csrf     middleware.CSRFTokens
	renderer *Renderer
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(sessions SessionManager, csrf middleware.CSRFTokens, renderer *Renderer) *PageHandler {
	return &PageHandler{sessions: sessions, csrf: csrf, renderer: renderer}
}

// Pulse は一般ユーザーの画面。
// GET /apps/pulse
func (h *PageHandler) Pulse(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, pagePulse, "")
}

// Admin は管理者画面。
// GET /apps/admin/
func (h *PageHandler) Admin(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, pageAdmin, "")
}

// Forbidden は権限不足の画面を403で描画する。
// GET /auth/403 と、管理者画面への権限不足アクセスの両方で使う。
func (h *PageHandler) Forbidden(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusForbidden, pageForbidden, model.MsgForbidden)
}

// Root はロールに応じた画面、未ログインならログイン画面へリダイレクトする。
// GET /
func (h *PageHandler) Root(w http.ResponseWriter, r *http.Request) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	user, err := h.sessions.CurrentUser(r.Context(), s)
	if err != nil {
		slog.Error("failed to load current user", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if user == nil {
		http.Redirect(w, r, auth.LoginPath, http.StatusFound)
		return
	}
	http.Redirect(w, r, auth.LandingPath(user), http.StatusFound)
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, page, errMsg string) {
	s, ok := session.FromContext(r.Context())
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}

	user, err := h.sessions.CurrentUser(r.Context(), s)
	if err != nil {
		slog.Error("failed to load current user",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	data := PageData{User: user, Error: errMsg, Landing: auth.LandingPath(user)}
	if user != nil {
		token, err := h.csrf.Token(r.Context(), s)
		if err != nil {
			slog.Error("failed to issue CSRF token", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		data.CSRFToken = token
	}
	h.renderer.Render(w, status, page, data)
}
