package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/pulsehours/internal/model"
)

// PostgresSessionAuditRepo はsessionsテーブルに監査レコードを書き込むリポジトリ。
type PostgresSessionAuditRepo struct {
	db *sql.DB
}

// NewPostgresSessionAuditRepo はPostgresSessionAuditRepoを生成する。
func NewPostgresSessionAuditRepo(db *sql.DB) *PostgresSessionAuditRepo {
	return &PostgresSessionAuditRepo{db: db}
}

// Create は監査レコードを作成する。
func (r *PostgresSessionAuditRepo) Create(ctx context.Context, audit *model.SessionAudit) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, session_id, source_address, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		audit.UserID, audit.SessionID, audit.SourceAddress, audit.UserAgent, audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session audit: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SessionAuditRepository = (*PostgresSessionAuditRepo)(nil)
