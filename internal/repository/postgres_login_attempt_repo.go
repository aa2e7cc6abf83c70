package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/pulsehours/internal/model"
)

// pruneProbability は記録時に古い試行の削除を同時に行う確率。
const pruneProbability = 0.01

// PostgresLoginAttemptRepo はPostgreSQLを使用したログイン試行リポジトリ。
type PostgresLoginAttemptRepo struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
	chance    func() float64
}

// NewPostgresLoginAttemptRepo はPostgresLoginAttemptRepoを生成する。
// retentionより古い試行は記録時に確率的に削除される。
func NewPostgresLoginAttemptRepo(db *sql.DB, retention time.Duration) *PostgresLoginAttemptRepo {
	return &PostgresLoginAttemptRepo{
		db:        db,
		retention: retention,
		now:       time.Now,
		chance:    rand.Float64,
	}
}

// Record は試行を1件記録する。
func (r *PostgresLoginAttemptRepo) Record(ctx context.Context, attempt *model.LoginAttempt) error {
	attemptedAt := attempt.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_attempts (email, source_address, attempted_at, success)
		 VALUES ($1, $2, $3, $4)`,
		attempt.Email, attempt.SourceAddress, attemptedAt, attempt.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}

	if r.retention > 0 && r.chance() < pruneProbability {
		deleted, err := r.DeleteOlderThan(ctx, r.now().Add(-r.retention))
		if err != nil {
			slog.Warn("failed to prune login attempts", slog.String("error", err.Error()))
		} else if deleted > 0 {
			slog.Info("pruned login attempts", slog.Int64("deleted", deleted))
		}
	}
	return nil
}

// FailuresBySource は送信元アドレスごとのsince以降の失敗を集計する。
func (r *PostgresLoginAttemptRepo) FailuresBySource(ctx context.Context, source string, since time.Time) (FailureWindow, error) {
	return r.failures(ctx,
		`SELECT COUNT(*), MIN(attempted_at)
		 FROM login_attempts
		 WHERE source_address = $1 AND success = false AND attempted_at > $2`,
		source, since,
	)
}

// FailuresByEmail はメールアドレスごとのsince以降の失敗を集計する。
func (r *PostgresLoginAttemptRepo) FailuresByEmail(ctx context.Context, email string, since time.Time) (FailureWindow, error) {
	return r.failures(ctx,
		`SELECT COUNT(*), MIN(attempted_at)
		 FROM login_attempts
		 WHERE email = $1 AND success = false AND attempted_at > $2`,
		email, since,
	)
}

func (r *PostgresLoginAttemptRepo) failures(ctx context.Context, query, key string, since time.Time) (FailureWindow, error) {
	var (
		window FailureWindow
		oldest sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, key, since).Scan(&window.Count, &oldest); err != nil {
		return FailureWindow{}, fmt.Errorf("failed to count login failures: %w", err)
	}
	if oldest.Valid {
		window.Oldest = oldest.Time
	}
	return window, nil
}

// DeleteOlderThan はcutoffより古い試行を削除し、削除件数を返す。
func (r *PostgresLoginAttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_attempts WHERE attempted_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old login attempts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ LoginAttemptRepository = (*PostgresLoginAttemptRepo)(nil)
