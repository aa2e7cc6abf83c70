package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/session"
)

// --- モック定義 ---

type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

type mockSessionInitializer struct {
	initFn func(ctx context.Context, w http.ResponseWriter, r *http.Request) (*session.Session, error)
}

func (m *mockSessionInitializer) Init(ctx context.Context, w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	return m.initFn(ctx, w, r)
}

// --- ヘルパー ---

func newTestSessions(t *testing.T) *session.Manager {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)
	return session.NewManager(store, &mockUserFinder{}, session.DefaultConfig())
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

func testUser() *model.User {
	return &model.User{ID: "user-123", Email: "a@x.com", Role: model.RoleUser, IsActive: true}
}

func testAdmin() *model.User {
	return &model.User{ID: "admin-1", Email: "boss@x.com", Role: model.RoleAdmin, IsActive: true}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})
