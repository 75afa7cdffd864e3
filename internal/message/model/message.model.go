package model

import "time"

const (
	DefaultRecentLimit = 100
	MaxRecentLimit     = 500
	MaxContentLength   = 10000
)

type Message struct {
	Seq         int64     `json:"seq"`
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AuthorID    string    `json:"user_id"`
	Content     string    `json:"content"`
	ThreadID    string    `json:"thread_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SendMessageRequest struct {
	Content  string `json:"content"`
	ThreadID string `json:"thread_id,omitempty"`
}

type SummaryRequest struct {
	Limit int `json:"limit"`
}

type Summary struct {
	WorkspaceID  string `json:"workspace_id"`
	Summary      string `json:"summary"`
	MessageCount int    `json:"message_count"`
	Generated    bool   `json:"generated"`
}
