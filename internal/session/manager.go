package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
)

// Config はセッション管理の設定。
type Config struct {
	IdleTimeout    time.Duration // 無操作タイムアウト
	RotateInterval time.Duration // 識別子の定期再生成間隔

	// RotateGrace は定期再生成後に旧識別子を転送用に残す期間。
	// この間に旧識別子で届いたリクエストは新しいセッションと新しいCookieを受け取るため、
	// 並行リクエストの収束に必要な最小限の長さにとどめる。0なら旧識別子は直ちに無効になる。
	RotateGrace time.Duration

	CookieName   string
	CookieDomain string
	CookieSecure bool
}

// DefaultConfig はデフォルトのセッション設定を返す。
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    24 * time.Hour,
		RotateInterval: 5 * time.Minute,
		RotateGrace:    2 * time.Second,
		CookieName:     "session_id",
	}
}

// UserFinder はユーザーの正本を参照するインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Observer はセッションイベントを受け取るインターフェース。メトリクス記録に使う。
type Observer interface {
	RecordSessionRotated()
	RecordSessionExpired()
}

type noopObserver struct{}

func (noopObserver) RecordSessionRotated() {}
func (noopObserver) RecordSessionExpired() {}

// Manager はセッションの初期化、ログイン確立、破棄を担う。
// 同一プロセス内では識別子単位で直列化し、プロセス間の競合はStoreのアトミック操作で解決する。
type Manager struct {
	store    Store
	users    UserFinder
	config   Config
	observer Observer
	locks    keyedMutex
	now      func() time.Time
}

// NewManager はManagerを生成する。
func NewManager(store Store, users UserFinder, config Config) *Manager {
	if config.CookieName == "" {
		config.CookieName = "session_id"
	}
	return &Manager{
		store:    store,
		users:    users,
		config:   config,
		observer: noopObserver{},
		now:      time.Now,
	}
}

// SetObserver はセッションイベントの通知先を設定する。
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	m.observer = o
}

// Config は設定値を返す。
func (m *Manager) Config() Config {
	return m.config
}

// storeTTL はストア側の保持期間。
// 無操作タイムアウトの2倍保持し、タイムアウト後しばらく経ってから戻った利用者にも
// 期限切れの通知を出せるようにする。それ以降は通知なしの新規セッションになる。
func (m *Manager) storeTTL() time.Duration {
	return 2 * m.config.IdleTimeout
}

// Init はリクエストのセッションを再開または開始する。
// 無操作タイムアウトの判定、最終アクティビティの更新、定期的な識別子の再生成を行う。
// ストアが利用できない場合はエラーを返し、呼び出し側はログインしていないものとして扱わない。
func (m *Manager) Init(ctx context.Context, w http.ResponseWriter, r *http.Request) (*Session, error) {
	var cookieID string
	if c, err := r.Cookie(m.config.CookieName); err == nil {
		cookieID = c.Value
	}

	var (
		s   *Session
		err error
	)
	if cookieID != "" {
		var next string
		s, next, err = m.resume(ctx, cookieID)
		if err == nil && next != "" {
			// 並行リクエストが先に再生成した。転送先を1回だけ辿る。
			var again string
			s, again, err = m.resume(ctx, next)
			if err == nil && again != "" {
				s = nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		s, err = m.start(ctx, "")
		if err != nil {
			return nil, err
		}
	}

	s.w = w
	if s.id != cookieID {
		m.setCookie(w, s.id)
	}
	return s, nil
}

// resume は既存セッションを読み込む。
// 転送先がある場合は次に辿るIDを、存在しない場合は(nil, "", nil)を返す。
func (m *Manager) resume(ctx context.Context, id string) (*Session, string, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	data, err := m.store.Load(ctx, id)
	var rotated *RotatedError
	switch {
	case errors.As(err, &rotated):
		return nil, rotated.NewID, nil
	case errors.Is(err, ErrNotFound):
		return nil, "", nil
	case err != nil:
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}

	now := m.now()
	if now.Sub(data.LastActivity) > m.config.IdleTimeout {
		if err := m.store.Delete(ctx, id); err != nil {
			return nil, "", fmt.Errorf("failed to delete expired session: %w", err)
		}
		m.observer.RecordSessionExpired()
		slog.Info("session expired",
			slog.String("user_id", data.UserID),
			slog.Duration("idle", now.Sub(data.LastActivity)),
		)

		s, err := m.start(ctx, model.MsgSessionExpired)
		if err != nil {
			return nil, "", err
		}
		s.expired = true
		return s, "", nil
	}

	data.LastActivity = now

	if now.Sub(data.LastRegeneration) > m.config.RotateInterval {
		newID, err := GenerateID()
		if err != nil {
			return nil, "", err
		}
		data.LastRegeneration = now

		err = m.store.Rotate(ctx, id, newID, data, m.storeTTL(), m.config.RotateGrace)
		switch {
		case errors.As(err, &rotated):
			return nil, rotated.NewID, nil
		case errors.Is(err, ErrNotFound):
			return nil, "", nil
		case err != nil:
			return nil, "", fmt.Errorf("failed to rotate session: %w", err)
		}
		m.observer.RecordSessionRotated()
		return &Session{id: newID, data: data}, "", nil
	}

	if err := m.store.Save(ctx, id, data, m.storeTTL()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to save session: %w", err)
	}
	return &Session{id: id, data: data}, "", nil
}

// start は匿名セッションを新規に作成する。
func (m *Manager) start(ctx context.Context, flash string) (*Session, error) {
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	data := &Data{
		LastActivity:     now,
		LastRegeneration: now,
		Flash:            flash,
	}
	if err := m.store.Create(ctx, id, data, m.storeTTL()); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Session{id: id, data: data}, nil
}

// IsLoggedIn はセッションがログイン済みかどうかを返す。
func (m *Manager) IsLoggedIn(s *Session) bool {
	return s != nil && s.IsLoggedIn()
}

// CurrentUser はログイン中ユーザーのスナップショットを返す。未ログインならnil。
// スナップショットが無い場合はユーザーを再取得し、存在しないか無効化されていればセッションを破棄する。
func (m *Manager) CurrentUser(ctx context.Context, s *Session) (*model.UserSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.UserID == "" {
		return nil, nil
	}
	if s.data.User != nil {
		return s.data.Clone().User, nil
	}

	user, err := m.users.FindByID(ctx, s.data.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil || !user.IsActive {
		slog.Warn("session user no longer valid",
			slog.String("user_id", s.data.UserID),
		)
		if err := m.destroyLocked(ctx, s); err != nil {
			return nil, err
		}
		return nil, nil
	}

	snapshot := user.Snapshot()
	unlock := m.locks.lock(s.id)
	defer unlock()

	data := s.data.Clone()
	data.User = snapshot
	if err := m.store.Save(ctx, s.id, data, m.storeTTL()); err != nil {
		slog.Warn("failed to cache user snapshot",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return snapshot, nil
	}
	s.data = data
	return data.Clone().User, nil
}

// Establish はユーザーをセッションにログインさせる。
// セッション固定攻撃を防ぐため識別子を必ず再生成し、旧識別子は転送を残さず無効化する。
// CSRFトークンやログイン後の遷移先など既存の値は引き継ぐ。
func (m *Manager) Establish(ctx context.Context, s *Session, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newID, err := GenerateID()
	if err != nil {
		return err
	}
	now := m.now()

	data := s.data.Clone()
	data.UserID = user.ID
	data.User = user.Snapshot()
	data.LastActivity = now
	data.LastRegeneration = now
	data.Flash = ""

	if s.id != "" {
		unlock := m.locks.lock(s.id)
		err = m.store.Rotate(ctx, s.id, newID, data, m.storeTTL(), 0)
		unlock()
	} else {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRotated) {
		// ログイン前のセッションが既に無い。新しい識別子で作成する。
		err = m.store.Create(ctx, newID, data, m.storeTTL())
	}
	if err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}

	s.id = newID
	s.data = data
	s.expired = false
	m.setCookie(s.w, newID)
	m.observer.RecordSessionRotated()
	return nil
}

// Destroy はセッションを破棄し、Cookieを無効化する。
// 以降にUpdateが呼ばれた場合は新しい匿名セッションが作られる。
func (m *Manager) Destroy(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.destroyLocked(ctx, s)
}

func (m *Manager) destroyLocked(ctx context.Context, s *Session) error {
	if s.id != "" {
		unlock := m.locks.lock(s.id)
		err := m.store.Delete(ctx, s.id)
		unlock()
		if err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	s.id = ""
	s.data = &Data{}
	m.clearCookie(s.w)
	return nil
}

// Update はfnでセッションデータを変更してストアに保存する。
// 破棄済みのセッションに対しては新しい匿名セッションを作成してから変更する。
func (m *Manager) Update(ctx context.Context, s *Session, fn func(*Data)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id == "" {
		fresh, err := m.start(ctx, "")
		if err != nil {
			return err
		}
		s.id = fresh.id
		s.data = fresh.data
		m.setCookie(s.w, s.id)
	}

	unlock := m.locks.lock(s.id)
	defer unlock()

	data := s.data.Clone()
	fn(data)
	if err := m.store.Save(ctx, s.id, data, m.storeTTL()); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	s.data = data
	return nil
}

// SetRedirectAfterLogin はログイン後の遷移先を記録する。
func (m *Manager) SetRedirectAfterLogin(ctx context.Context, s *Session, target string) error {
	return m.Update(ctx, s, func(d *Data) {
		d.RedirectAfterLogin = target
	})
}

// TakeRedirectAfterLogin はログイン後の遷移先を取り出して消去する。
func (m *Manager) TakeRedirectAfterLogin(ctx context.Context, s *Session) (string, error) {
	s.mu.Lock()
	target := s.data.RedirectAfterLogin
	s.mu.Unlock()
	if target == "" {
		return "", nil
	}
	err := m.Update(ctx, s, func(d *Data) {
		d.RedirectAfterLogin = ""
	})
	return target, err
}

// TakeFlash はフラッシュメッセージを取り出して消去する。
func (m *Manager) TakeFlash(ctx context.Context, s *Session) (string, error) {
	s.mu.Lock()
	flash := s.data.Flash
	s.mu.Unlock()
	if flash == "" {
		return "", nil
	}
	err := m.Update(ctx, s, func(d *Data) {
		d.Flash = ""
	})
	return flash, err
}

// setCookie はセッションCookieを発行する。有効期限は付けずブラウザセッション限りとする。
func (m *Manager) setCookie(w http.ResponseWriter, id string) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    id,
		Path:     "/",
		Domain:   m.config.CookieDomain,
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) clearCookie(w http.ResponseWriter) {
	if w == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
