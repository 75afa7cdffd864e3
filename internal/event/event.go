// Package event defines the websocket protocol. Inbound and outbound
// kinds are closed sets: Decode rejects anything not listed here.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

// Inbound kinds.
const (
	JoinWorkspace  Kind = "join-workspace"
	LeaveWorkspace Kind = "leave-workspace"
	SendMessage    Kind = "send-message"
	Typing         Kind = "typing"
	CursorMove     Kind = "cursor"
	DocOperation   Kind = "doc-op"
	DocSync        Kind = "doc-sync"
	ProfileUpdate  Kind = "profile"
)

// Outbound kinds.
const (
	JoinedWorkspace   Kind = "joined-workspace"
	NewMessage        Kind = "new-message"
	MessageError      Kind = "message-error"
	UserTyping        Kind = "user-typing"
	PresenceUpdate    Kind = "presence-update"
	DocOpApplied      Kind = "doc-op"
	DocState          Kind = "doc-state"
	DocResyncRequired Kind = "doc-resync-required"
	UserJoined        Kind = "user-joined"
	UserLeft          Kind = "user-left"
	CommitCreated     Kind = "commit-created"
	Error             Kind = "error"
)

var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type         Kind            `json:"type"`
	WorkspaceID  string          `json:"workspace_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Inbound is implemented by every client-to-server payload.
type Inbound interface {
	Kind() Kind
	inbound()
}

// Outbound is implemented by every server-to-client payload.
type Outbound interface {
	Kind() Kind
	outbound()
}

// Decode parses the payload of env into its inbound variant.
func Decode(env Envelope) (Inbound, error) {
	var in Inbound
	switch env.Type {
	case JoinWorkspace:
		in = &Join{}
	case LeaveWorkspace:
		in = &Leave{}
	case SendMessage:
		in = &Send{}
	case Typing:
		in = &TypingState{}
	case CursorMove:
		in = &CursorState{}
	case DocOperation:
		in = &DocOp{}
	case DocSync:
		in = &DocSyncRequest{}
	case ProfileUpdate:
		in = &Profile{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, in); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return in, nil
}

// Encode frames out for workspaceID.
func Encode(workspaceID string, out Outbound) ([]byte, error) {
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", out.Kind(), err)
	}
	env := Envelope{Type: out.Kind(), WorkspaceID: workspaceID, Payload: payload}
	if a, ok := out.(interface{ Actor() string }); ok {
		env.UserID = a.Actor()
	}
	return json.Marshal(env)
}

// Relayed reports whether kind is a room fan-out that other instances
// should also deliver.
func Relayed(kind Kind) bool {
	switch kind {
	case NewMessage, UserTyping, PresenceUpdate, DocOpApplied, UserJoined, UserLeft, CommitCreated:
		return true
	}
	return false
}
