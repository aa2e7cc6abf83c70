package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/repository"
	"github.com/hitoshi/pulsehours/internal/session"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn        func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn     func(ctx context.Context, email string) (*model.User, error)
	updateLastLoginFn func(ctx context.Context, id string, at time.Time) error
	createFn          func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id, at)
	}
	return nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

// memAttemptRepo はメモリ上の試行ログ。errが設定されていれば集計でエラーを返す。
type memAttemptRepo struct {
	mu       sync.Mutex
	attempts []model.LoginAttempt
	err      error
}

func (m *memAttemptRepo) Record(_ context.Context, attempt *model.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memAttemptRepo) window(match func(model.LoginAttempt) bool, since time.Time) (repository.FailureWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return repository.FailureWindow{}, m.err
	}
	var w repository.FailureWindow
	for _, a := range m.attempts {
		if a.Success || !a.AttemptedAt.After(since) || !match(a) {
			continue
		}
		if w.Count == 0 || a.AttemptedAt.Before(w.Oldest) {
			w.Oldest = a.AttemptedAt
		}
		w.Count++
	}
	return w, nil
}

func (m *memAttemptRepo) FailuresBySource(_ context.Context, source string, since time.Time) (repository.FailureWindow, error) {
	return m.window(func(a model.LoginAttempt) bool { return a.SourceAddress == source }, since)
}

func (m *memAttemptRepo) FailuresByEmail(_ context.Context, email string, since time.Time) (repository.FailureWindow, error) {
	return m.window(func(a model.LoginAttempt) bool { return a.Email == email }, since)
}

func (m *memAttemptRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var deleted int64
	for _, a := range m.attempts {
		if a.AttemptedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return deleted, nil
}

func (m *memAttemptRepo) count(success bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Success == success {
			n++
		}
	}
	return n
}

type mockAuditRepo struct {
	createFn func(ctx context.Context, audit *model.SessionAudit) error
	created  []*model.SessionAudit
}

func (m *mockAuditRepo) Create(ctx context.Context, audit *model.SessionAudit) error {
	m.created = append(m.created, audit)
	if m.createFn != nil {
		return m.createFn(ctx, audit)
	}
	return nil
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []model.ErrorKind
	blocks    int
	failOpens int
	csrf      int
}

func (o *recordingObserver) RecordLoginOutcome(kind model.ErrorKind) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, kind)
	o.mu.Unlock()
}
func (o *recordingObserver) RecordRateLimitBlock()    { o.mu.Lock(); o.blocks++; o.mu.Unlock() }
func (o *recordingObserver) RecordRateLimitFailOpen() { o.mu.Lock(); o.failOpens++; o.mu.Unlock() }
func (o *recordingObserver) RecordCSRFFailure()       { o.mu.Lock(); o.csrf++; o.mu.Unlock() }

// --- ヘルパー ---

// fastArgon2Params はテスト用の軽量パラメータ。
var fastArgon2Params = Argon2Params{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestSessionManager(t *testing.T, users session.UserFinder) *session.Manager {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(store.Stop)
	if users == nil {
		users = &mockUserRepo{}
	}
	return session.NewManager(store, users, session.DefaultConfig())
}

func newTestSession(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	s, err := m.Init(context.Background(), httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("session Init() error = %v", err)
	}
	return s
}

func hashFor(t *testing.T, password string) string {
	t.Helper()
	h, err := NewPasswordHasher(fastArgon2Params).Hash(password)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	return h
}

func testUser() *model.User {
	return &model.User{
		ID:        "user-1",
		Email:     "a@x.com",
		FirstName: "Aya",
		LastName:  "Kato",
		Role:      model.RoleUser,
		IsActive:  true,
	}
}

func testAdmin() *model.User {
	return &model.User{
		ID:        "admin-1",
		Email:     "boss@x.com",
		FirstName: "Ren",
		LastName:  "Mori",
		Role:      model.RoleAdmin,
		IsActive:  true,
	}
}
