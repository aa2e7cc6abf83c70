package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/middleware"
)

// HealthChecker はDB接続の疎通確認に必要なインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Logger        *slog.Logger

	// HSTS はStrict-Transport-Securityを付与するかどうか。HTTPS配信時にtrueにする。
	HSTS bool

	// TrustedProxies は転送ヘッダーを信頼するプロキシのアドレス範囲。空なら接続元をそのまま使う。
	TrustedProxies []netip.Prefix

	// ミドルウェア依存
	Sessions    SessionManager
	Gate        middleware.Authorizer
	CSRF        middleware.CSRFTokens
	RateLimiter *middleware.RateLimiter

	// LoginRateLimit はPOST /auth/loginの送信元IPあたりの上限（req/min）。0以下で無効。
	LoginRateLimit int

	// 認証
	AuthService AuthServiceInterface
	Renderer    *Renderer

	// MetricsHandler がnilの場合は/metricsを公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP(trusted proxies) → Logging → Recovery → SecurityHeaders
//	  → Session → RateLimit(General) → [CSRF] → [RequireLogin / RequireAdmin]
//
// /health と /metrics はセッションを作らない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.CSRF, deps.Renderer)
	pageHandler := NewPageHandler(deps.Sessions, deps.CSRF, deps.Renderer)

	// --- セッション不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- セッションを持つルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		authz := middleware.AuthzConfig{
			LoginPath: auth.LoginPath,
			Forbidden: http.HandlerFunc(pageHandler.Forbidden),
		}

		r.Get("/", pageHandler.Root)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", authHandler.LoginPage)
			// ログインフォームはハンドラー内でCSRFを検証し、失敗時にフォームを再表示する
			if deps.LoginRateLimit > 0 {
				r.With(httprate.LimitByIP(deps.LoginRateLimit, time.Minute)).Post("/login", authHandler.Login)
			} else {
				r.Post("/login", authHandler.Login)
			}
			r.Get("/logout", authHandler.Logout)
			r.With(middleware.NewCSRFMiddleware(deps.CSRF)).Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
			r.Get("/403", pageHandler.Forbidden)
		})

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// --- ログインが必要な画面 ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			r.With(middleware.NewRequireLoginMiddleware(deps.Gate, authz)).Get("/apps/pulse", pageHandler.Pulse)
			r.Route("/apps/admin", func(r chi.Router) {
				r.Use(middleware.NewRequireAdminMiddleware(deps.Gate, authz))
				r.Get("/", pageHandler.Admin)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}

		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				status = http.StatusServiceUnavailable
				body["status"] = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
}
