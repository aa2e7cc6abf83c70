// Package session はサーバーサイドセッションのライフサイクル管理を提供する。
// Cookieにはセッション識別子のみを載せ、状態はStoreに保持する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
)

// ErrNotFound はセッションが存在しない、期限切れ、または破棄済みであることを示す。
var ErrNotFound = errors.New("session not found")

// ErrRotated は識別子がローテーション済みであることを示す。
// 転送先はRotatedErrorで取得する。
var ErrRotated = errors.New("session identifier rotated")

// RotatedError はローテーション済み識別子の転送先を保持する。
// 猶予期間内に旧識別子で到着した並行リクエストだけが受け取る。
type RotatedError struct {
	NewID string
}

// Error はerrorインターフェースを実装する。
func (e *RotatedError) Error() string {
	return ErrRotated.Error()
}

// Is はerrors.Is(err, ErrRotated)を満たす。
func (e *RotatedError) Is(target error) bool {
	return target == ErrRotated
}

// Data はセッションに格納する状態。
type Data struct {
	UserID             string              `json:"user_id,omitempty"`
	LastActivity       time.Time           `json:"last_activity"`
	LastRegeneration   time.Time           `json:"last_regeneration"`
	User               *model.UserSnapshot `json:"user,omitempty"`
	CSRFToken          string              `json:"csrf_token,omitempty"`
	RedirectAfterLogin string              `json:"redirect_after_login,omitempty"`
	Flash              string              `json:"flash,omitempty"`
}

// Clone はDataのディープコピーを返す。
func (d *Data) Clone() *Data {
	c := *d
	if d.User != nil {
		u := *d.User
		if d.User.LastLogin != nil {
			t := *d.User.LastLogin
			u.LastLogin = &t
		}
		c.User = &u
	}
	return &c
}

// Store はセッションデータの永続化インターフェース。
// 単一セッションへの各操作はアトミックであること。
type Store interface {
	// Create は新規セッションを保存する。
	Create(ctx context.Context, id string, data *Data, ttl time.Duration) error

	// Load はセッションを取得する。
	// 存在しない・破棄済みの場合はErrNotFound、
	// 猶予期間内のローテーション済み識別子の場合は*RotatedErrorを返す。
	Load(ctx context.Context, id string) (*Data, error)

	// Save は既存セッションを上書きする。
	// 破棄済み・ローテーション済みの識別子を復活させてはならず、その場合はErrNotFoundを返す。
	Save(ctx context.Context, id string, data *Data, ttl time.Duration) error

	// Rotate はoldIDのセッションをdataで置き換えつつnewIDへ移し、oldIDを無効化する。
	// grace > 0 の場合、oldIDはgraceの間だけnewIDへの転送先として残る。
	// 並行するRotateのうち成功するのは1つだけで、敗者は*RotatedErrorかErrNotFoundを受け取る。
	Rotate(ctx context.Context, oldID, newID string, data *Data, ttl, grace time.Duration) error

	// Delete はセッションを破棄する。存在しなくてもエラーにしない。
	Delete(ctx context.Context, id string) error
}

// GenerateID は暗号的に安全なセッションIDを生成する。
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
