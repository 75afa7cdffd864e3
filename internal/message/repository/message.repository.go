package repository

import (
	"context"
	"database/sql"
	"fmt"

	"collabspace/config/database"
	"collabspace/internal/message/model"
	"collabspace/pkg/logger"
)

type MessageRepository struct {
	DB      *sql.DB
	Dialect database.Dialect
}

func NewMessageRepository(db *sql.DB, dialect database.Dialect) *MessageRepository {
	return &MessageRepository{DB: db, Dialect: dialect}
}

// Create inserts m and fills in its insertion sequence.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	var threadID sql.NullString
	if m.ThreadID != "" {
		threadID = sql.NullString{String: m.ThreadID, Valid: true}
	}
	query := r.Dialect.Rebind(`INSERT INTO messages (id, workspace_id, author_id, content, thread_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`)
	err := r.DB.QueryRowContext(ctx, query, m.ID, m.WorkspaceID, m.AuthorID, m.Content, threadID, m.CreatedAt).Scan(&m.Seq)
	if err != nil {
		logger.Sugar.Errorf("Failed to create message in workspace %s: %v", m.WorkspaceID, err)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Recent returns the newest limit messages of a workspace, oldest
// first.
func (r *MessageRepository) Recent(ctx context.Context, workspaceID string, limit int) ([]model.Message, error) {
	query := r.Dialect.Rebind(`SELECT seq, id, workspace_id, author_id, content, thread_id, created_at FROM (
			SELECT seq, id, workspace_id, author_id, content, thread_id, created_at
			FROM messages WHERE workspace_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`)
	rows, err := r.DB.QueryContext(ctx, query, workspaceID, limit)
	if err != nil {
		logger.Sugar.Errorf("Failed to list messages for workspace %s: %v", workspaceID, err)
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var (
			m        model.Message
			threadID sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.WorkspaceID, &m.AuthorID, &m.Content, &threadID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ThreadID = threadID.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
