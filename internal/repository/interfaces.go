// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error
}

// FailureWindow はウィンドウ内の失敗試行の集計結果。
// Countが0の場合、Oldestはゼロ値。
type FailureWindow struct {
	Count  int
	Oldest time.Time
}

// LoginAttemptRepository はログイン試行ログの永続化インターフェース。
// 記録は追記のみで、更新は行わない。
type LoginAttemptRepository interface {
	// Record は試行を1件記録する。
	Record(ctx context.Context, attempt *model.LoginAttempt) error

	// FailuresBySource は送信元アドレスごとのsince以降の失敗を集計する。
	FailuresBySource(ctx context.Context, source string, since time.Time) (FailureWindow, error)

	// FailuresByEmail はメールアドレスごとのsince以降の失敗を集計する。
	FailuresByEmail(ctx context.Context, email string, since time.Time) (FailureWindow, error)

	// DeleteOlderThan はcutoffより古い試行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionAuditRepository はログイン成功時のセッション監査ログの永続化インターフェース。
type SessionAuditRepository interface {
	// Create は監査レコードを作成する。
	Create(ctx context.Context, audit *model.SessionAudit) error
}
