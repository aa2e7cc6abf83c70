package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pulsehours/internal/auth"
	"github.com/hitoshi/pulsehours/internal/config"
	"github.com/hitoshi/pulsehours/internal/database"
	"github.com/hitoshi/pulsehours/internal/model"
	"github.com/hitoshi/pulsehours/internal/repository"
)

// passwordEnvVar はcreate-userのパスワードを渡す環境変数。
// シェル履歴に残さないため-passwordより優先する。
const passwordEnvVar = "PULSEHOURS_PASSWORD"

const minPasswordLength = 8

// createUserInput はcreate-userの入力。
type createUserInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      model.Role
}

// parseCreateUserArgs はcreate-userの引数を解析する。
func parseCreateUserArgs(args []string, getenv func(string) string) (*createUserInput, error) {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	email := fs.String("email", "", "login email address")
	password := fs.String("password", "", "initial password (prefer "+passwordEnvVar+")")
	first := fs.String("first-name", "", "first name")
	last := fs.String("last-name", "", "last name")
	role := fs.String("role", string(model.RoleUser), "role: User or Admin")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid create-user arguments: %w", err)
	}

	in := &createUserInput{
		Email:     auth.NormalizeEmail(*email),
		Password:  *password,
		FirstName: strings.TrimSpace(*first),
		LastName:  strings.TrimSpace(*last),
		Role:      model.Role(*role),
	}
	if v := getenv(passwordEnvVar); v != "" {
		in.Password = v
	}

	var errs []error
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		errs = append(errs, errors.New("-email must be a valid email address"))
	}
	if len(in.Password) < minPasswordLength {
		errs = append(errs, fmt.Errorf("password must be at least %d characters", minPasswordLength))
	}
	if !in.Role.Valid() {
		errs = append(errs, fmt.Errorf("-role must be %q or %q", model.RoleUser, model.RoleAdmin))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return in, nil
}

// createUser はパスワードをargon2idでハッシュ化してユーザーを作成する。
// 同じメールアドレスのユーザーが既に存在する場合はエラーを返す。
func createUser(ctx context.Context, users repository.UserRepository, hasher *auth.PasswordHasher, in *createUserInput, now time.Time) (*model.User, error) {
	existing, err := users.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("user %s already exists", in.Email)
	}

	hash, err := hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// runCreateUser はcreate-userサブコマンドを実行する。
func runCreateUser(cfg *config.Config, args []string, out io.Writer) error {
	in, err := parseCreateUserArgs(args, os.Getenv)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hasher := auth.NewPasswordHasher(auth.DefaultArgon2Params())
	user, err := createUser(ctx, repository.NewPostgresUserRepo(db), hasher, in, time.Now().UTC())
	if err != nil {
		return err
	}

	slog.Info("user created",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
		slog.String("role", string(user.Role)),
	)
	fmt.Fprintln(out, user.ID)
	return nil
}
