// Package cleanup は認証データの定期削除ジョブを提供する。
// 保持期間（デフォルト24時間）を超過したログイン試行記録と、
// 有効期限切れのセッション行を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// 削除対象の名前。ログとメトリクスのラベルに使う。
const (
	TargetLoginAttempts = "login_attempts"
	TargetSessionData   = "session_data"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// AttemptPruner は古いログイン試行記録を削除するインターフェース。
// repository.LoginAttemptRepositoryの部分集合。
type AttemptPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder は削除結果を受け取るインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanup(target string, deleted int64, duration time.Duration)
}

// CleanupJob は認証データの自動削除ジョブ。
// 冪等な削除処理のみを行うため、複数プロセスから同時に実行しても安全。
type CleanupJob struct {
	attempts AttemptPruner
	sessions Executor
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	Retention time.Duration // ログイン試行記録の保持期間（デフォルト: 24時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// sessionsがnilの場合はセッション行の削除を行わない（Redis・メモリストア利用時）。
func NewCleanupJob(attempts AttemptPruner, sessions Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		attempts:  attempts,
		sessions:  sessions,
		logger:    logger,
		now:       time.Now,
		Retention: 24 * time.Hour,
	}
}

// SetRecorder は削除結果の記録先を設定する。
func (j *CleanupJob) SetRecorder(r Recorder) {
	j.recorder = r
}

// Run は保持期間を超過したログイン試行記録と期限切れセッションを削除する。
// 片方が失敗してももう片方は実行し、エラーはまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	var errs []error

	if j.attempts != nil {
		cutoff := j.now().Add(-j.Retention)
		err := j.runTarget(TargetLoginAttempts, func() (int64, error) {
			return j.attempts.DeleteOlderThan(ctx, cutoff)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	if j.sessions != nil {
		err := j.runTarget(TargetSessionData, func() (int64, error) {
			result, err := j.sessions.ExecContext(ctx,
				`DELETE FROM session_data WHERE expires_at < $1`, j.now())
			if err != nil {
				return 0, err
			}
			return result.RowsAffected()
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (j *CleanupJob) runTarget(target string, del func() (int64, error)) error {
	start := time.Now()

	deleted, err := del()
	if err != nil {
		j.logger.Error("cleanup failed",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to clean up %s: %w", target, err)
	}

	duration := time.Since(start)
	if j.recorder != nil {
		j.recorder.RecordCleanup(target, deleted, duration)
	}
	j.logger.Info("cleanup completed",
		slog.String("target", target),
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、その後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
