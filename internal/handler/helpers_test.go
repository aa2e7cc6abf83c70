package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn  func(ctx context.Context, sess *session.Session, req auth.LoginRequest) (*auth.LoginResult, error)
	logoutFn func(ctx context.Context, sess *session.Session) error
}

func (m *mockAuthService) Login(ctx context.Context, sess *session.Session, req auth.LoginRequest) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, sess, req)
	}
	return nil, model.NewInvalidCredentialsError(nil)
}

func (m *mockAuthService) Logout(ctx context.Context, sess *session.Session) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sess)
	}
	return nil
}

// mockUserFinder はIDで登録済みユーザーを返す。
type mockUserFinder struct {
	users map[string]*model.User
}

func (m *mockUserFinder) FindByID(_ context.Context, id string) (*model.User, error) {
	return m.users[id], nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error {
	return m.err
}

// --- ヘルパー ---

func testUser() *model.User {
	return &model.User{ID: "user-123", Email: "alice@example.com", FirstName: "Alice", Role: model.RoleUser, IsActive: true}
}

func testAdmin() *model.User {
	return &model.User{ID: "admin-1", Email: "boss@example.com", FirstName: "Bob", Role: model.RoleAdmin, IsActive: true}
}

// newTestSessions はメモリストアを使うセッションマネージャーを返す。
// usersに渡したユーザーは正本として参照できる。
func newTestSessions(t *testing.T, users ...*model.User) *session.Manager {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)
	finder := &mockUserFinder{users: make(map[string]*model.User)}
	for _, u := range users {
		finder.users[u.ID] = u
	}
	return session.NewManager(store, finder, session.DefaultConfig())
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

// newSessionRequest はセッションをコンテキストに持つリクエストを生成する。
// userがnilでなければログイン済みにする。
func newSessionRequest(t *testing.T, m *session.Manager, method, target string, body io.Reader, user *model.User) (*http.Request, *session.Session) {
	t.Helper()
	ctx := context.Background()
	s, err := m.Init(ctx, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("session Init() error = %v", err)
	}
	if user != nil {
		if err := m.Establish(ctx, s, user); err != nil {
			t.Fatalf("Establish() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, target, body)
	return req.WithContext(session.WithSession(req.Context(), s)), s
}

var csrfFieldPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

// extractCSRFToken はログインフォームのHTMLから埋め込まれたトークンを取り出す。
func extractCSRFToken(t *testing.T, body string) string {
	t.Helper()
	m := csrfFieldPattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("csrf token not found in body:\n%s", body)
	}
	return m[1]
}
