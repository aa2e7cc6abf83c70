package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/config"
	"github.com/hitoshi/pulsehours/internal/database"
	"github.com/hitoshi/pulsehours/internal/handler"
	"github.com/hitoshi/pulsehours/internal/logger"
	"github.com/hitoshi/pulsehours/internal/metrics"
	"github.com/hitoshi/pulsehours/internal/middleware"
	"github.com/hitoshi/pulsehours/internal/repository"
	"github.com/hitoshi/pulsehours/internal/session"
	"github.com/hitoshi/pulsehours/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
		slog.String("attempt_log", cfg.AttemptLog),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateUser:
		return runCreateUser(cfg, args[1:], os.Stdout)
	default:
		return runServe(cfg)
	}
}

// runServe はWebサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. バックエンド接続
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// 2. リポジトリとセッションストアの初期化
	userRepo := repository.NewPostgresUserRepo(b.db)
	auditRepo := repository.NewPostgresSessionAuditRepo(b.db)
	attempts, err := b.attemptLog(cfg)
	if err != nil {
		return err
	}
	store, err := b.sessionStore(cfg)
	if err != nil {
		return err
	}

	// 3. ドメインサービスの初期化
	sessions := session.NewManager(store, userRepo, session.Config{
		IdleTimeout:    cfg.SessionIdleTimeout,
		RotateInterval: cfg.SessionRotateInterval,
		RotateGrace:    cfg.SessionRotateGrace,
		CookieName:     session.DefaultConfig().CookieName,
		CookieDomain:   cfg.CookieDomain,
		CookieSecure:   cfg.CookieSecure,
	})
	credentials := auth.NewCredentialStore(
		userRepo,
		auth.NewPasswordHasher(auth.DefaultArgon2Params()),
		int64(cfg.PasswordVerifyConcurrency),
	)
	limiter := auth.NewRateLimiter(attempts, auth.RateLimitConfig{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
	})
	authService := auth.NewService(credentials, limiter, sessions, auditRepo)
	csrfGuard := auth.NewCSRFGuard(sessions)
	gate := auth.NewGate(sessions)

	// 4. メトリクス
	var metricsHandler http.Handler
	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewCollector(reg)
		sessions.SetObserver(collector)
		limiter.SetObserver(collector)
		authService.SetObserver(collector)
		csrfGuard.SetObserver(collector)
		metricsHandler = metrics.Handler(reg)
	}

	renderer, err := handler.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// 5. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = perMinute(cfg.RateLimitGeneral)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		HealthChecker:  b.db,
		Logger:         slog.Default(),
		HSTS:           cfg.CookieSecure,
		TrustedProxies: cfg.TrustedProxies,
		Sessions:       sessions,
		Gate:           gate,
		CSRF:           csrfGuard,
		RateLimiter:    rateLimiter,
		LoginRateLimit: cfg.RateLimitLoginIP,
		AuthService:    authService,
		Renderer:       renderer,
		MetricsHandler: metricsHandler,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 期限切れの認証データを定期削除する
	if cfg.CleanupInterval > 0 {
		job := newCleanupJob(cfg, b, attempts)
		if collector != nil {
			job.SetRecorder(collector)
		}
		go job.Start(ctx, cfg.CleanupInterval)
	}

	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 認証データのクリーンアップジョブを定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	attempts, err := b.attemptLog(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("retention", cfg.LoginAttemptRetention),
	)

	job := newCleanupJob(cfg, b, attempts)
	if cfg.CleanupInterval <= 0 {
		// 間隔が無効な場合は1回だけ実行して終了する
		return job.Run(ctx)
	}
	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// newCleanupJob は設定されたバックエンドに応じたクリーンアップジョブを生成する。
// セッション行の削除はPostgresストア利用時のみ行う。
func newCleanupJob(cfg *config.Config, b *backends, attempts repository.LoginAttemptRepository) *cleanup.CleanupJob {
	var sessionRows cleanup.Executor
	if cfg.SessionStore == config.BackendPostgres {
		sessionRows = b.db
	}
	job := cleanup.NewCleanupJob(attempts, sessionRows, slog.Default())
	job.Retention = cfg.LoginAttemptRetention
	return job
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// perMinute はreq/minの値をrate.Limit（req/sec）に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
