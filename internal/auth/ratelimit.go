package auth

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/repository"
)

// RateLimitConfig はログイン試行制限の設定。
type RateLimitConfig struct {
	MaxAttempts int           // ウィンドウ内で許容する失敗回数
	Window      time.Duration // スライディングウィンドウの長さ
}

// DefaultRateLimitConfig は15分間に5回のデフォルト設定を返す。
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MaxAttempts: 5, Window: 15 * time.Minute}
}

// RateLimitDecision はCheckの判定結果。
type RateLimitDecision struct {
	Blocked           bool
	AttemptsRemaining int
	RetryAfter        time.Duration
}

// Err はブロック時にRateLimitedエラーを返す。許可時はnil。
func (d RateLimitDecision) Err() error {
	if !d.Blocked {
		return nil
	}
	return model.NewRateLimitedError(d.RetryAfter)
}

// RateLimiter はログイン試行ログから認証情報の総当たりを判定する。
// 送信元アドレスとメールアドレスそれぞれの失敗回数を数え、多い方で判定する。
// 成功してもウィンドウはリセットしない。
// 試行ログにアクセスできない場合は許可する(fail open)。
type RateLimiter struct {
	attempts repository.LoginAttemptRepository
	config   RateLimitConfig
	observer Observer
	now      func() time.Time
}

// NewRateLimiter はRateLimiterを生成する。
func NewRateLimiter(attempts repository.LoginAttemptRepository, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		attempts: attempts,
		config:   config,
		observer: noopObserver{},
		now:      time.Now,
	}
}

// SetObserver はイベント通知先を設定する。
func (l *RateLimiter) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	l.observer = o
}

// Check はemailとsourceの組み合わせでログインを試行してよいかを判定する。
func (l *RateLimiter) Check(ctx context.Context, email, source string) RateLimitDecision {
	now := l.now()
	since := now.Add(-l.config.Window)
	email = NormalizeEmail(email)

	var bySource, byEmail repository.FailureWindow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bySource, err = l.attempts.FailuresBySource(gctx, source, since)
		return err
	})
	g.Go(func() error {
		var err error
		byEmail, err = l.attempts.FailuresByEmail(gctx, email, since)
		return err
	})
	if err := g.Wait(); err != nil {
		l.observer.RecordRateLimitFailOpen()
		slog.Error("rate limit check failed, allowing attempt",
			slog.String("email", email),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		return RateLimitDecision{AttemptsRemaining: l.config.MaxAttempts}
	}

	count := max(bySource.Count, byEmail.Count)
	if count < l.config.MaxAttempts {
		return RateLimitDecision{AttemptsRemaining: l.config.MaxAttempts - count}
	}

	var retryAfter time.Duration
	for _, w := range []repository.FailureWindow{bySource, byEmail} {
		if w.Count < l.config.MaxAttempts {
			continue
		}
		if d := w.Oldest.Add(l.config.Window).Sub(now); d > retryAfter {
			retryAfter = d
		}
	}

	l.observer.RecordRateLimitBlock()
	slog.Warn("login rate limited",
		slog.String("email", email),
		slog.String("source", source),
		slog.Int("source_failures", bySource.Count),
		slog.Int("email_failures", byEmail.Count),
		slog.Duration("retry_after", retryAfter),
	)
	return RateLimitDecision{Blocked: true, RetryAfter: retryAfter}
}

// Record は試行を記録する。記録に失敗してもログイン処理は継続する。
func (l *RateLimiter) Record(ctx context.Context, email, source string, success bool) {
	err := l.attempts.Record(ctx, &model.LoginAttempt{
		Email:         NormalizeEmail(email),
		SourceAddress: source,
		AttemptedAt:   l.now(),
		Success:       success,
	})
	if err != nil {
		slog.Error("failed to record login attempt",
			slog.String("email", NormalizeEmail(email)),
			slog.String("source", source),
			slog.Bool("success", success),
			slog.String("error", err.Error()),
		)
	}
}
