// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限ロールを表す。
type Role string

const (
	// RoleAdmin は管理者ロール。
	RoleAdmin Role = "Admin"
	// RoleUser は一般ユーザーロール。
	RoleUser Role = "User"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User はサービス利用ユーザーを表す。
// PasswordHashはセッションに持ち込まない。セッションにはSnapshotを格納する。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         Role
	IsActive     bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin はユーザーが管理者ロールかどうかを返す。
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Snapshot はパスワードハッシュを除いたユーザー情報のコピーを返す。
func (u *User) Snapshot() *UserSnapshot {
	var lastLogin *time.Time
	if u.LastLogin != nil {
		t := *u.LastLogin
		lastLogin = &t
	}
	return &UserSnapshot{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		IsActive:  u.IsActive,
		LastLogin: lastLogin,
	}
}

// UserSnapshot はセッションにキャッシュされるユーザー情報。
// セッション有効期間中のキャッシュであり、active/roleの正本ではない。
type UserSnapshot struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Role      Role       `json:"role"`
	IsActive  bool       `json:"is_active"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// IsAdmin はスナップショットのロールが管理者かどうかを返す。
func (s *UserSnapshot) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// FullName は表示用の氏名を返す。
func (s *UserSnapshot) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// LoginAttempt はログイン試行の記録を表す。追記のみで更新しない。
type LoginAttempt struct {
	Email         string
	SourceAddress string
	AttemptedAt   time.Time
	Success       bool
}

// SessionAudit はログイン成功時に書き込むセッション監査レコード。
type SessionAudit struct {
	UserID        string
	SessionID     string
	SourceAddress string
	UserAgent     string
	CreatedAt     time.Time
}
