package model

import "time"

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	// FallbackMessage is used when no commit message could be generated.
	FallbackMessage = "Update files"
)

type ChangeStatus string

const (
	Added    ChangeStatus = "added"
	Modified ChangeStatus = "modified"
	Removed  ChangeStatus = "removed"
)

// Commit is one immutable node of a workspace's version chain.
type Commit struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	AuthorID    string            `json:"author_id"`
	Message     string            `json:"message"`
	Files       []string          `json:"files"`
	Manifest    map[string]string `json:"manifest"`
	Auto        bool              `json:"auto"`
	CreatedAt   time.Time         `json:"created_at"`
}

type Change struct {
	Path         string       `json:"path"`
	Status       ChangeStatus `json:"status"`
	LinesChanged int          `json:"lines_changed"`
}

type CommitRequest struct {
	Message string `json:"message"`
}
