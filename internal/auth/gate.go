package auth

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// ロール別のログイン後の遷移先。
const (
	AdminLandingPath = "/apps/admin/"
	UserLandingPath  = "/apps/pulse"
	LoginPath        = "/auth/login"
	ForbiddenPath    = "/auth/403"
)

// Gate はページ単位の認可判定を行う。
// 呼び出し側は返されたエラーの種別でリダイレクトか403かを決める。
type Gate struct {
	sessions *session.Manager
}

// NewGate はGateを生成する。
func NewGate(sessions *session.Manager) *Gate {
	return &Gate{sessions: sessions}
}

// RequireLogin はログイン済みであることを要求する。
// 未ログインの場合はrequestedをログイン後の遷移先として保存し、NotLoggedInを返す。
func (g *Gate) RequireLogin(ctx context.Context, s *session.Session, requested string) error {
	if g.sessions.IsLoggedIn(s) {
		return nil
	}
	if target, ok := SafeRedirectTarget(requested); ok {
		if err := g.sessions.SetRedirectAfterLogin(ctx, s, target); err != nil {
			// 遷移先を保存できなくてもログイン画面への誘導は行う
			slog.Warn("failed to store redirect target",
				slog.String("target", target),
				slog.String("error", err.Error()),
			)
		}
	}
	return model.NewNotLoggedInError()
}

// RequireAdmin は管理者としてログインしていることを要求する。
// 未ログインはNotLoggedIn、ログイン済みの一般ユーザーはForbiddenを返す。
func (g *Gate) RequireAdmin(ctx context.Context, s *session.Session, requested string) error {
	if err := g.RequireLogin(ctx, s, requested); err != nil {
		return err
	}

	user, err := g.sessions.CurrentUser(ctx, s)
	if err != nil {
		return model.NewSystemError(err)
	}
	if user == nil {
		return g.RequireLogin(ctx, s, requested)
	}
	if !user.IsAdmin() {
		slog.Warn("admin access denied",
			slog.String("user_id", user.ID),
			slog.String("path", requested),
		)
		return model.NewForbiddenError()
	}
	return nil
}

// LandingPath はロールに応じたログイン後の遷移先を返す。
func LandingPath(user *model.UserSnapshot) string {
	if user != nil && user.IsAdmin() {
		return AdminLandingPath
	}
	return UserLandingPath
}

// SafeRedirectTarget はリダイレクト先として許可できる同一オリジンのパスかどうかを判定する。
// スキーム・ホスト付きのURLやプロトコル相対URL、ログイン画面自体は拒否する。
func SafeRedirectTarget(target string) (string, bool) {
	if target == "" || !strings.HasPrefix(target, "/") {
		return "", false
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "", false
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	if u.Path == LoginPath || strings.HasPrefix(u.Path, "/auth/logout") {
		return "", false
	}
	return u.RequestURI(), true
}
