package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/repository"
)

// CredentialStore はメールアドレスによるユーザー検索とパスワード照合を提供する。
// パスワード照合はCPU負荷が高いため、同時実行数をセマフォで制限する。
type CredentialStore struct {
	users  repository.UserRepository
	hasher *PasswordHasher
	sem    *semaphore.Weighted

	dummyOnce sync.Once
	dummyHash string
}

// NewCredentialStore はCredentialStoreを生成する。
// concurrencyはパスワード照合の最大同時実行数。
func NewCredentialStore(users repository.UserRepository, hasher *PasswordHasher, concurrency int64) *CredentialStore {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CredentialStore{
		users:  users,
		hasher: hasher,
		sem:    semaphore.NewWeighted(concurrency),
	}
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (c *CredentialStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := c.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// VerifyPassword はパスワードを照合する。
// 照合枠が空くまで待機し、ctxがキャンセルされた場合はエラーを返す。
func (c *CredentialStore) VerifyPassword(ctx context.Context, user *model.User, password string) (bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("failed to acquire password verification slot: %w", err)
	}
	defer c.sem.Release(1)

	ok, err := c.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("failed to verify password for user %s: %w", user.ID, err)
	}
	return ok, nil
}

// BurnVerification は存在しないユーザーに対しても照合1回分の処理時間を消費する。
// 応答時間からメールアドレスの登録有無を推測されないようにする。
func (c *CredentialStore) BurnVerification(ctx context.Context, password string) {
	c.dummyOnce.Do(func() {
		c.dummyHash, _ = c.hasher.Hash("pulsehours-placeholder-password")
	})
	if c.dummyHash == "" {
		return
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)
	_, _ = c.hasher.Verify(password, c.dummyHash)
}

// TouchLastLogin は最終ログイン日時を更新する。
func (c *CredentialStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	return c.users.UpdateLastLogin(ctx, userID, at)
}

// NormalizeEmail は比較用にメールアドレスの前後の空白を除き小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
