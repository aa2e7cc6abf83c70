package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/hitoshi/pulsehours/internal/session"
)

// csrfTokenBytes はCSRFトークンの乱数バイト数(256bit)。
const csrfTokenBytes = 32

// CSRFGuard はセッション単位のCSRFトークンを発行・検証する。
type CSRFGuard struct {
	sessions *session.Manager
	observer Observer
}

// NewCSRFGuard はCSRFGuardを生成する。
func NewCSRFGuard(sessions *session.Manager) *CSRFGuard {
	return &CSRFGuard{sessions: sessions, observer: noopObserver{}}
}

// SetObserver はイベント通知先を設定する。
func (g *CSRFGuard) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	g.observer = o
}

// Token はセッションのCSRFトークンを返す。未発行なら生成して保存する。
func (g *CSRFGuard) Token(ctx context.Context, s *session.Session) (string, error) {
	if token := s.CSRFToken(); token != "" {
		return token, nil
	}

	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	generated := hex.EncodeToString(b)

	err := g.sessions.Update(ctx, s, func(d *session.Data) {
		if d.CSRFToken == "" {
			d.CSRFToken = generated
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}
	return s.CSRFToken(), nil
}

// Verify は送信されたトークンがセッションのトークンと一致するかを定数時間で比較する。
// セッションにトークンが無い場合は常に失敗する。
func (g *CSRFGuard) Verify(s *session.Session, token string) bool {
	stored := s.CSRFToken()
	if stored == "" || token == "" {
		g.observer.RecordCSRFFailure()
		return false
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		g.observer.RecordCSRFFailure()
		return false
	}
	return true
}
