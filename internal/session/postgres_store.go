package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore はPostgreSQLのsession_dataテーブルを使ったセッションストア。
// 複数プロセスから共有でき、ローテーションは行ロックで直列化する。
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Create は新規セッションを保存する。
func (s *PostgresStore) Create(ctx context.Context, id string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_data (id, user_id, data, expires_at, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $5)`,
		id, data.UserID, payload, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Load はセッションを取得する。期限切れの場合はErrNotFoundを返す。
func (s *PostgresStore) Load(ctx context.Context, id string) (*Data, error) {
	var (
		payload    []byte
		movedTo    sql.NullString
		deprecated sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, replaced_by, deprecated_at
		 FROM session_data
		 WHERE id = $1 AND expires_at > $2`,
		id, s.now(),
	).Scan(&payload, &movedTo, &deprecated)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if deprecated.Valid {
		if movedTo.Valid && movedTo.String != "" {
			return nil, &RotatedError{NewID: movedTo.String}
		}
		return nil, ErrNotFound
	}

	data := &Data{}
	if err := json.Unmarshal(payload, data); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return data, nil
}

// Save は既存セッションを上書きする。破棄済みの行は更新しない。
func (s *PostgresStore) Save(ctx context.Context, id string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	now := s.now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE session_data
		 SET data = $2, user_id = NULLIF($3, ''), expires_at = $4, updated_at = $5
		 WHERE id = $1 AND deprecated_at IS NULL AND expires_at > $5`,
		id, payload, data.UserID, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Rotate はoldIDの行をFOR UPDATEでロックし、newIDの行を作成して旧行を無効化する。
// 後続の並行Rotateはロック解放後に無効化済みの旧行を観測する。
func (s *PostgresStore) Rotate(ctx context.Context, oldID, newID string, data *Data, ttl, grace time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var (
		movedTo    sql.NullString
		deprecated sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT replaced_by, deprecated_at
		 FROM session_data
		 WHERE id = $1 AND expires_at > $2
		 FOR UPDATE`,
		oldID, now,
	).Scan(&movedTo, &deprecated)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}
	if deprecated.Valid {
		if movedTo.Valid && movedTo.String != "" {
			return &RotatedError{NewID: movedTo.String}
		}
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_data (id, user_id, data, expires_at, created_at, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $5)`,
		newID, data.UserID, payload, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rotated session: %w", err)
	}

	if grace > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE session_data
			 SET data = '{}', user_id = NULL, replaced_by = $2, deprecated_at = $3, expires_at = $4, updated_at = $3
			 WHERE id = $1`,
			oldID, newID, now, now.Add(grace),
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM session_data WHERE id = $1`, oldID)
	}
	if err != nil {
		return fmt.Errorf("failed to retire old session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete はセッションを破棄する。
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_data WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
