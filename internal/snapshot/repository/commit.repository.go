package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"collabspace/config/database"
	"collabspace/internal/snapshot/model"
	"collabspace/pkg/logger"
)

const commitColumns = `workspace_id, id, parent_id, author_id, message, files, manifest, auto, created_at`

type CommitRepository struct {
	DB      *sql.DB
	Dialect database.Dialect
}

func NewCommitRepository(db *sql.DB, dialect database.Dialect) *CommitRepository {
	return &CommitRepository{DB: db, Dialect: dialect}
}

// Create inserts a commit node. The (workspace_id, parent_id) unique
// key rejects a second child of the same parent.
func (r *CommitRepository) Create(ctx context.Context, c *model.Commit) error {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	manifest, err := json.Marshal(c.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	query := r.Dialect.Rebind(`INSERT INTO commits (` + commitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	_, err = r.DB.ExecContext(ctx, query,
		c.WorkspaceID, c.ID, c.ParentID, c.AuthorID, c.Message, string(files), string(manifest), c.Auto, c.CreatedAt)
	if err != nil {
		logger.Sugar.Errorf("Failed to insert commit %s for workspace %s: %v", c.ID, c.WorkspaceID, err)
		return fmt.Errorf("insert commit: %w", err)
	}
	return nil
}

// Head returns the commit no other commit names as parent, or nil when
// the workspace has no commits.
func (r *CommitRepository) Head(ctx context.Context, workspaceID string) (*model.Commit, error) {
	query := r.Dialect.Rebind(`SELECT ` + commitColumns + ` FROM commits c
		WHERE c.workspace_id = $1 AND NOT EXISTS (
			SELECT 1 FROM commits n WHERE n.workspace_id = c.workspace_id AND n.parent_id = c.id
		)`)
	c, err := scanCommit(r.DB.QueryRowContext(ctx, query, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return c, nil
}

func (r *CommitRepository) Get(ctx context.Context, workspaceID, id string) (*model.Commit, error) {
	query := r.Dialect.Rebind(`SELECT ` + commitColumns + ` FROM commits WHERE workspace_id = $1 AND id = $2`)
	c, err := scanCommit(r.DB.QueryRowContext(ctx, query, workspaceID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", id, err)
	}
	return c, nil
}

// History walks parent pointers from the head, newest first.
func (r *CommitRepository) History(ctx context.Context, workspaceID string, limit int) ([]model.Commit, error) {
	commits := make([]model.Commit, 0, limit)
	c, err := r.Head(ctx, workspaceID)
	for err == nil && c != nil && len(commits) < limit {
		commits = append(commits, *c)
		if c.ParentID == "" {
			break
		}
		c, err = r.Get(ctx, workspaceID, c.ParentID)
	}
	if err != nil {
		return nil, err
	}
	return commits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row rowScanner) (*model.Commit, error) {
	var (
		c        model.Commit
		files    string
		manifest string
	)
	if err := row.Scan(&c.WorkspaceID, &c.ID, &c.ParentID, &c.AuthorID, &c.Message, &files, &manifest, &c.Auto, &c.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if err := json.Unmarshal([]byte(manifest), &c.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &c, nil
}
