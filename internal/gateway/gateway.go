// Package gateway routes inbound websocket events to the services and
// reacts to room membership changes.
package gateway

import (
	"context"
	"errors"

	"collabspace/internal/crdt"
	docmodel "collabspace/internal/document/model"
	"collabspace/internal/event"
	msgmodel "collabspace/internal/message/model"
	"collabspace/internal/presence"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"
	"collabspace/socket"

	"go.uber.org/zap"
)

type Messages interface {
	Append(ctx context.Context, workspaceID, authorID string, req msgmodel.SendMessageRequest) (*msgmodel.Message, error)
}

type Documents interface {
	ApplyLocalEdit(ctx context.Context, workspaceID, path string, op crdt.Operation, fromClientID, authorID string) (bool, error)
	State(ctx context.Context, workspaceID, path string) (docmodel.State, error)
	Paths(ctx context.Context, workspaceID string) ([]string, error)
	Resolve(ctx context.Context, workspaceID, path string, id crdt.ID) (docmodel.Position, bool)
	ReleaseClient(workspaceID, clientID string)
}

type handlerFunc func(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error

// Gateway implements socket.Handler and socket.Observer.
type Gateway struct {
	hub      *socket.Hub
	presence *presence.Tracker
	messages Messages
	docs     Documents
	handlers map[event.Kind]handlerFunc
}

func New(hub *socket.Hub, tracker *presence.Tracker, messages Messages, docs Documents) *Gateway {
	g := &Gateway{hub: hub, presence: tracker, messages: messages, docs: docs}
	g.handlers = map[event.Kind]handlerFunc{
		event.JoinWorkspace:  g.join,
		event.LeaveWorkspace: g.leave,
		event.SendMessage:    g.sendMessage,
		event.Typing:         g.typing,
		event.CursorMove:     g.cursor,
		event.DocOperation:   g.docOp,
		event.DocSync:        g.docSync,
		event.ProfileUpdate:  g.profile,
	}
	return g
}

// HandleEvent runs on the client's read goroutine, so one client's
// events are handled in the order they arrived.
func (g *Gateway) HandleEvent(ctx context.Context, c *socket.Client, env event.Envelope) {
	in, err := event.Decode(env)
	if errors.Is(err, event.ErrUnknownKind) {
		g.reply(c, env.WorkspaceID, &event.Failure{Code: "unknown_event", Message: string(env.Type) + " is not a known event"})
		return
	}
	if err != nil {
		g.fail(c, env.WorkspaceID, apperr.Wrap(apperr.ErrInvalid, "malformed payload", err))
		return
	}

	workspaceID := env.WorkspaceID
	switch v := in.(type) {
	case *event.Join:
		if workspaceID == "" {
			workspaceID = v.WorkspaceID
		}
	case *event.Leave:
		if workspaceID == "" {
			workspaceID = v.WorkspaceID
		}
	default:
		if !g.hub.InRoom(c.ID, workspaceID) {
			g.fail(c, workspaceID, apperr.New(apperr.ErrUnauthorized, "join the workspace first"))
			return
		}
	}

	if err := g.handlers[in.Kind()](ctx, c, workspaceID, in); err != nil {
		logger.Log.Debug("Event failed",
			zap.String("client_id", c.ID),
			zap.String("workspace_id", workspaceID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		g.fail(c, workspaceID, err)
	}
}

func (g *Gateway) reply(c *socket.Client, workspaceID string, out event.Outbound) {
	if err := g.hub.SendTo(c.ID, workspaceID, out); err != nil {
		logger.Sugar.Debugf("Reply to %s not delivered: %v", c.ID, err)
	}
}

func (g *Gateway) fail(c *socket.Client, workspaceID string, err error) {
	var appErr *apperr.Error
	msg := "request failed"
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	g.reply(c, workspaceID, &event.Failure{Code: apperr.Code(err), Message: msg})
}

func (g *Gateway) join(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	j := in.(*event.Join)
	if _, err := g.hub.Join(c.ID, workspaceID); err != nil {
		return err
	}
	if j.Name != "" || j.Avatar != "" {
		g.presence.SetProfile(workspaceID, c.UserID, j.Name, j.Avatar, c.ID)
	}

	paths, err := g.docs.Paths(ctx, workspaceID)
	if err != nil {
		logger.Sugar.Warnf("Failed to list documents of workspace %s: %v", workspaceID, err)
		paths = []string{}
	}
	g.reply(c, workspaceID, &event.Joined{
		WorkspaceID:  workspaceID,
		ConnectionID: c.ID,
		Presence:     g.presence.Get(workspaceID),
		Documents:    paths,
	})
	return nil
}

func (g *Gateway) leave(_ context.Context, c *socket.Client, workspaceID string, _ event.Inbound) error {
	g.hub.Leave(c.ID, workspaceID)
	return nil
}

func (g *Gateway) sendMessage(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	s := in.(*event.Send)
	_, err := g.messages.Append(ctx, workspaceID, c.UserID, msgmodel.SendMessageRequest{Content: s.Content, ThreadID: s.ThreadID})
	if err != nil {
		logger.Sugar.Errorf("Failed to send message in workspace %s: %v", workspaceID, err)
		g.reply(c, workspaceID, &event.MessageFailed{Error: "Failed to send message", Code: apperr.Code(err)})
	}
	return nil
}

func (g *Gateway) typing(_ context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	g.presence.SetTyping(workspaceID, c.UserID, in.(*event.TypingState).IsTyping, c.ID)
	return nil
}

// cursor recomputes line and column from the anchor when the anchor
// is known here; otherwise the client's values stand.
func (g *Gateway) cursor(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	pos := in.(*event.CursorState).Position
	if pos != nil && pos.Anchor != nil {
		if at, ok := g.docs.Resolve(ctx, workspaceID, pos.Path, *pos.Anchor); ok {
			pos.Line = at.Line
			pos.Column = at.Column
		}
	}
	g.presence.SetCursor(workspaceID, c.UserID, pos, c.ID)
	return nil
}

func (g *Gateway) docOp(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	op := in.(*event.DocOp)
	_, err := g.docs.ApplyLocalEdit(ctx, workspaceID, op.Path, op.Op, c.ID, c.UserID)
	return err
}

func (g *Gateway) docSync(ctx context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	path := in.(*event.DocSyncRequest).Path
	state, err := g.docs.State(ctx, workspaceID, path)
	if err != nil {
		return err
	}
	g.reply(c, workspaceID, &event.DocSnapshot{Path: state.Path, Text: state.Text, Items: state.Items, Version: state.Version})
	return nil
}

func (g *Gateway) profile(_ context.Context, c *socket.Client, workspaceID string, in event.Inbound) error {
	p := in.(*event.Profile)
	g.presence.SetProfile(workspaceID, c.UserID, p.Name, p.Avatar, c.ID)
	return nil
}

// MemberJoined announces a user's first connection to the room.
func (g *Gateway) MemberJoined(workspaceID string, c *socket.Client) {
	g.presence.Ensure(workspaceID, c.UserID)
	if g.hub.UserConnections(workspaceID, c.UserID) > 1 {
		return
	}
	g.hub.Broadcast(workspaceID, &event.MemberJoined{UserID: c.UserID}, c.ID)
	g.hub.Broadcast(workspaceID, &event.Presence{Entries: g.presence.Get(workspaceID)}, c.ID)
}

// MemberLeft frees the connection's replica IDs and clears presence once
// the user's last connection is gone.
func (g *Gateway) MemberLeft(workspaceID string, c *socket.Client) {
	g.docs.ReleaseClient(workspaceID, c.ID)
	if g.hub.UserPresent(workspaceID, c.UserID) {
		return
	}
	g.presence.Clear(workspaceID, c.UserID)
	g.hub.Broadcast(workspaceID, &event.MemberLeft{UserID: c.UserID}, "")
}
