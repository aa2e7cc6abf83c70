// Package auth はパスワード認証、ログイン試行制限、CSRF対策、ページ単位の認可を提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/repository"
	"github.com/hitoshi/pulsehours/internal/session"
)

// Observer は認証イベントを受け取るインターフェース。メトリクス記録に使う。
type Observer interface {
	RecordLoginOutcome(kind model.ErrorKind)
	RecordRateLimitBlock()
	RecordRateLimitFailOpen()
	RecordCSRFFailure()
}

type noopObserver struct{}

func (noopObserver) RecordLoginOutcome(model.ErrorKind) {}
func (noopObserver) RecordRateLimitBlock()              {}
func (noopObserver) RecordRateLimitFailOpen()           {}
func (noopObserver) RecordCSRFFailure()                 {}

// LoginRequest はログイン要求。
type LoginRequest struct {
	Email         string
	Password      string
	SourceAddress string
	UserAgent     string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	User     *model.UserSnapshot
	Redirect string
}

// Service はログイン・ログアウトを統括する。
type Service struct {
	credentials *CredentialStore
	limiter     *RateLimiter
	sessions    *session.Manager
	audits      repository.SessionAuditRepository
	observer    Observer
	now         func() time.Time
}

// NewService はServiceを生成する。auditsがnilの場合は監査レコードを書き込まない。
func NewService(
	credentials *CredentialStore,
	limiter *RateLimiter,
	sessions *session.Manager,
	audits repository.SessionAuditRepository,
) *Service {
	return &Service{
		credentials: credentials,
		limiter:     limiter,
		sessions:    sessions,
		audits:      audits,
		observer:    noopObserver{},
		now:         time.Now,
	}
}

// SetObserver はイベント通知先を設定する。
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Login はメールアドレスとパスワードで認証し、セッションを確立する。
// 失敗時は*model.AuthErrorを返す。
func (s *Service) Login(ctx context.Context, sess *session.Session, req LoginRequest) (*LoginResult, error) {
	result, err := s.login(ctx, sess, req)
	s.observer.RecordLoginOutcome(model.KindOf(err))
	return result, err
}

func (s *Service) login(ctx context.Context, sess *session.Session, req LoginRequest) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, model.NewValidationError(model.MsgEmptyCredentials)
	}

	// 1. 試行回数制限。ブロック中は認証情報に触れない
	if decision := s.limiter.Check(ctx, email, req.SourceAddress); decision.Blocked {
		return nil, decision.Err()
	}

	// 2. ユーザー検索
	user, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		slog.Error("login failed: user lookup error",
			slog.String("email", email),
			slog.String("source", req.SourceAddress),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSystemError(err)
	}
	if user == nil {
		s.credentials.BurnVerification(ctx, req.Password)
		s.limiter.Record(ctx, email, req.SourceAddress, false)
		s.logFailure(email, req.SourceAddress, "unknown_email")
		return nil, model.NewInvalidCredentialsError(errors.New("unknown email"))
	}

	// 3. アカウント有効性
	if !user.IsActive {
		s.limiter.Record(ctx, email, req.SourceAddress, false)
		s.logFailure(email, req.SourceAddress, "account_deactivated")
		return nil, model.NewAccountDeactivatedError()
	}

	// 4. パスワード照合
	ok, err := s.credentials.VerifyPassword(ctx, user, req.Password)
	if err != nil {
		slog.Error("login failed: password verification error",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSystemError(err)
	}
	if !ok {
		s.limiter.Record(ctx, email, req.SourceAddress, false)
		s.logFailure(email, req.SourceAddress, "password_mismatch")
		return nil, model.NewInvalidCredentialsError(errors.New("password mismatch"))
	}

	// 5. 成功の記録とセッション確立
	s.limiter.Record(ctx, email, req.SourceAddress, true)

	now := s.now()
	user.LastLogin = &now
	if err := s.sessions.Establish(ctx, sess, user); err != nil {
		slog.Error("login failed: session establishment error",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSystemError(err)
	}

	if err := s.credentials.TouchLastLogin(ctx, user.ID, now); err != nil {
		slog.Error("failed to update last login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.writeAudit(ctx, user.ID, sess.ID(), req)

	if s.credentials.hasher.NeedsRehash(user.PasswordHash) {
		slog.Info("password hash uses outdated parameters",
			slog.String("user_id", user.ID),
		)
	}

	snapshot := user.Snapshot()
	redirect := LandingPath(snapshot)
	target, err := s.sessions.TakeRedirectAfterLogin(ctx, sess)
	if err != nil {
		slog.Warn("failed to clear redirect target",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	if safe, ok := SafeRedirectTarget(target); ok && (snapshot.IsAdmin() || !strings.HasPrefix(safe, "/apps/admin")) {
		redirect = safe
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
		slog.String("source", req.SourceAddress),
	)
	return &LoginResult{User: snapshot, Redirect: redirect}, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sess *session.Session) error {
	userID := sess.UserID()
	if err := s.sessions.Destroy(ctx, sess); err != nil {
		return model.NewSystemError(err)
	}
	if userID != "" {
		slog.Info("user logged out", slog.String("user_id", userID))
	}
	return nil
}

// writeAudit はsessionsテーブルに監査レコードを書き込む。失敗してもログインは成功させる。
func (s *Service) writeAudit(ctx context.Context, userID, sessionID string, req LoginRequest) {
	if s.audits == nil {
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = "unknown"
	}
	err := s.audits.Create(ctx, &model.SessionAudit{
		UserID:        userID,
		SessionID:     sessionID,
		SourceAddress: req.SourceAddress,
		UserAgent:     userAgent,
		CreatedAt:     s.now(),
	})
	if err != nil {
		slog.Warn("failed to write session audit",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) logFailure(email, source, reason string) {
	slog.Warn("login failed",
		slog.String("email", email),
		slog.String("source", source),
		slog.String("reason", reason),
	)
}
