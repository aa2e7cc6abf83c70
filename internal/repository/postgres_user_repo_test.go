package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pulsehours/internal/model"
)

// PostgresUserRepoはUserRepositoryインターフェースを満たすことを検証
func TestPostgresUserRepo_ImplementsInterface(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
}

// PostgresSessionAuditRepoはSessionAuditRepositoryインターフェースを満たすことを検証
func TestPostgresSessionAuditRepo_ImplementsInterface(t *testing.T) {
	var _ SessionAuditRepository = (*PostgresSessionAuditRepo)(nil)
}

// NewPostgresUserRepoが正しく初期化されることを検証
func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	repo := NewPostgresUserRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func newTestUser(email string) *model.User {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		FirstName:    "Aiko",
		LastName:     "Tanaka",
		Role:         model.RoleUser,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresUserRepo_CreateAndFind(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresUserRepo(db)
	ctx := context.Background()

	user := newTestUser("Aiko@Example.com")
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	byID, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if byID == nil || byID.Email != user.Email {
		t.Fatalf("FindByID() = %+v", byID)
	}
	if byID.Role != model.RoleUser || !byID.IsActive {
		t.Errorf("role/active not persisted: %+v", byID)
	}
	if byID.LastLogin != nil {
		t.Errorf("LastLogin = %v, want nil", byID.LastLogin)
	}

	byEmail, err := repo.FindByEmail(ctx, "  aiko@example.com ")
	if err != nil {
		t.Fatalf("FindByEmail() error = %v", err)
	}
	if byEmail == nil || byEmail.ID != user.ID {
		t.Errorf("FindByEmail() should match case-insensitively, got %+v", byEmail)
	}
}

func TestPostgresUserRepo_FindByEmail_NotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresUserRepo(db)

	user, err := repo.FindByEmail(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("FindByEmail() error = %v", err)
	}
	if user != nil {
		t.Errorf("expected nil, got %+v", user)
	}
}

func TestPostgresUserRepo_UpdateLastLogin(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresUserRepo(db)
	ctx := context.Background()

	user := newTestUser("ken@example.com")
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.UpdateLastLogin(ctx, user.ID, at); err != nil {
		t.Fatalf("UpdateLastLogin() error = %v", err)
	}

	got, err := repo.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.LastLogin == nil || !got.LastLogin.Equal(at) {
		t.Errorf("LastLogin = %v, want %v", got.LastLogin, at)
	}

	if err := repo.UpdateLastLogin(ctx, uuid.NewString(), at); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestPostgresSessionAuditRepo_Create(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	user := newTestUser("mei@example.com")
	if err := NewPostgresUserRepo(db).Create(ctx, user); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	repo := NewPostgresSessionAuditRepo(db)
	err := repo.Create(ctx, &model.SessionAudit{
		UserID:        user.ID,
		SessionID:     "sess-1",
		SourceAddress: "203.0.113.7",
		UserAgent:     "Mozilla/5.0",
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM sessions WHERE user_id = $1`, user.ID).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1", count)
	}
}
