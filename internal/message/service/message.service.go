package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"collabspace/internal/clock"
	"collabspace/internal/event"
	"collabspace/internal/message/model"
	"collabspace/internal/textgen"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/google/uuid"
)

const summaryFallback = "Summary is unavailable right now."

// Store is the persistence the message log needs.
type Store interface {
	Create(ctx context.Context, m *model.Message) error
	Recent(ctx context.Context, workspaceID string, limit int) ([]model.Message, error)
}

// Broadcaster fans an event out to a workspace room.
type Broadcaster interface {
	Broadcast(workspaceID string, out event.Outbound, exclude string) int
}

type MessageService struct {
	Repo           Store
	Hub            Broadcaster
	TextGen        textgen.Generator
	TextGenTimeout time.Duration
	Clock          clock.Clock
}

func NewMessageService(repo Store, hub Broadcaster, gen textgen.Generator, timeout time.Duration) *MessageService {
	if gen == nil {
		gen = textgen.Disabled{}
	}
	return &MessageService{Repo: repo, Hub: hub, TextGen: gen, TextGenTimeout: timeout, Clock: clock.Real()}
}

// Append persists a chat message and then announces it to the whole
// room, sender included. Nothing is broadcast when the write fails.
func (s *MessageService) Append(ctx context.Context, workspaceID, authorID string, req model.SendMessageRequest) (*model.Message, error) {
	if authorID == "" {
		return nil, apperr.New(apperr.ErrUnauthorized, "sender is not authenticated")
	}
	if workspaceID == "" {
		return nil, apperr.New(apperr.ErrInvalid, "workspace id is required")
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.New(apperr.ErrInvalid, "message content is empty")
	}
	if utf8.RuneCountInString(req.Content) > model.MaxContentLength {
		return nil, apperr.New(apperr.ErrInvalid, "message content is too long")
	}

	m := &model.Message{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		AuthorID:    authorID,
		Content:     req.Content,
		ThreadID:    req.ThreadID,
		CreatedAt:   s.Clock.Now().UTC(),
	}
	if err := s.Repo.Create(ctx, m); err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to save message", err)
	}

	if s.Hub != nil {
		s.Hub.Broadcast(workspaceID, ToEvent(m), "")
	}
	logger.Sugar.Debugf("Message %s appended to workspace %s by %s", m.ID, workspaceID, authorID)
	return m, nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *MessageService) Recent(ctx context.Context, workspaceID string, limit int) ([]model.Message, error) {
	if workspaceID == "" {
		return nil, apperr.New(apperr.ErrInvalid, "workspace id is required")
	}
	messages, err := s.Repo.Recent(ctx, workspaceID, ClampLimit(limit))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load messages", err)
	}
	return messages, nil
}

// Summarize asks the text generator for a digest of recent chat. A
// generator failure still yields a summary with Generated unset.
func (s *MessageService) Summarize(ctx context.Context, workspaceID string, limit int) (*model.Summary, error) {
	messages, err := s.Recent(ctx, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	summary := &model.Summary{WorkspaceID: workspaceID, MessageCount: len(messages)}
	if len(messages) == 0 {
		summary.Summary = "No messages to summarize."
		return summary, nil
	}

	lines := make([]textgen.Line, len(messages))
	for i, m := range messages {
		lines[i] = textgen.Line{Author: m.AuthorID, Content: m.Content}
	}
	summary.Summary, summary.Generated = textgen.WithFallback(ctx, s.TextGen, s.TextGenTimeout, textgen.SummaryRequest(lines), summaryFallback)
	return summary, nil
}

// ClampLimit maps a requested page size into [1, MaxRecentLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return model.DefaultRecentLimit
	case limit > model.MaxRecentLimit:
		return model.MaxRecentLimit
	default:
		return limit
	}
}

func ToEvent(m *model.Message) *event.Message {
	return &event.Message{
		ID:          m.ID,
		Seq:         m.Seq,
		WorkspaceID: m.WorkspaceID,
		UserID:      m.AuthorID,
		Content:     m.Content,
		ThreadID:    m.ThreadID,
		CreatedAt:   m.CreatedAt,
	}
}
