package event

import (
	"time"

	"collabspace/internal/crdt"
)

// Join may name the workspace in the payload; the envelope field wins
// when both are set.
type Join struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	Name        string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type Leave struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type Send struct {
	Content  string `json:"content"`
	ThreadID string `json:"threadId,omitempty"`
}

type TypingState struct {
	IsTyping bool `json:"isTyping"`
}

// Cursor is a caret position. Anchor and Head name the characters the
// caret and selection end sit on, so the position survives concurrent
// edits; Line and Column are filled in by the server on fan-out.
type Cursor struct {
	Path   string   `json:"path"`
	Line   int      `json:"line"`
	Column int      `json:"column"`
	Anchor *crdt.ID `json:"anchor,omitempty"`
	Head   *crdt.ID `json:"head,omitempty"`
}

// CursorState with a nil Position clears the cursor.
type CursorState struct {
	Position *Cursor `json:"position"`
}

type DocOp struct {
	Path string         `json:"path"`
	Op   crdt.Operation `json:"op"`
}

type DocSyncRequest struct {
	Path string `json:"path"`
}

type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

func (*Join) Kind() Kind           { return JoinWorkspace }
func (*Leave) Kind() Kind          { return LeaveWorkspace }
func (*Send) Kind() Kind           { return SendMessage }
func (*TypingState) Kind() Kind    { return Typing }
func (*CursorState) Kind() Kind    { return CursorMove }
func (*DocOp) Kind() Kind          { return DocOperation }
func (*DocSyncRequest) Kind() Kind { return DocSync }
func (*Profile) Kind() Kind        { return ProfileUpdate }

func (*Join) inbound()           {}
func (*Leave) inbound()          {}
func (*Send) inbound()           {}
func (*TypingState) inbound()    {}
func (*CursorState) inbound()    {}
func (*DocOp) inbound()          {}
func (*DocSyncRequest) inbound() {}
func (*Profile) inbound()        {}

// PresenceEntry is one user's ephemeral state in a workspace.
type PresenceEntry struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name,omitempty"`
	Avatar    string    `json:"avatar,omitempty"`
	Color     string    `json:"color"`
	IsTyping  bool      `json:"isTyping"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Joined struct {
	WorkspaceID  string          `json:"workspaceId"`
	ConnectionID string          `json:"connectionId"`
	Presence     []PresenceEntry `json:"presence"`
	Documents    []string        `json:"documents"`
}

type Message struct {
	ID          string    `json:"id"`
	Seq         int64     `json:"seq"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Content     string    `json:"content"`
	ThreadID    string    `json:"threadId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MessageFailed struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type UserTypingState struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type Presence struct {
	Entries []PresenceEntry `json:"entries"`
}

type DocOpBroadcast struct {
	Path   string         `json:"path"`
	Op     crdt.Operation `json:"op"`
	Author string         `json:"userId,omitempty"`
}

type DocSnapshot struct {
	Path    string            `json:"path"`
	Text    string            `json:"text"`
	Items   []crdt.Item       `json:"items"`
	Version map[string]uint64 `json:"version"`
}

type ResyncRequired struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type Member struct {
	UserID string `json:"userId"`
}

type Commit struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	AuthorID  string    `json:"authorId"`
	Message   string    `json:"message"`
	Files     []string  `json:"files"`
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"createdAt"`
}

type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Joined) Kind() Kind          { return JoinedWorkspace }
func (*Message) Kind() Kind         { return NewMessage }
func (*MessageFailed) Kind() Kind   { return MessageError }
func (*UserTypingState) Kind() Kind { return UserTyping }
func (*Presence) Kind() Kind        { return PresenceUpdate }
func (*DocOpBroadcast) Kind() Kind  { return DocOpApplied }
func (*DocSnapshot) Kind() Kind     { return DocState }
func (*ResyncRequired) Kind() Kind  { return DocResyncRequired }
func (*Commit) Kind() Kind          { return CommitCreated }
func (*Failure) Kind() Kind         { return Error }

func (*Joined) outbound()          {}
func (*Message) outbound()         {}
func (*MessageFailed) outbound()   {}
func (*UserTypingState) outbound() {}
func (*Presence) outbound()        {}
func (*DocOpBroadcast) outbound()  {}
func (*DocSnapshot) outbound()     {}
func (*ResyncRequired) outbound()  {}
func (*Commit) outbound()          {}
func (*Failure) outbound()         {}

// MemberJoined and MemberLeft share a payload shape but are distinct
// kinds.
type MemberJoined Member
type MemberLeft Member

func (*MemberJoined) Kind() Kind { return UserJoined }
func (*MemberLeft) Kind() Kind   { return UserLeft }
func (*MemberJoined) outbound()  {}
func (*MemberLeft) outbound()    {}

func (m *Message) Actor() string         { return m.UserID }
func (u *UserTypingState) Actor() string { return u.UserID }
func (d *DocOpBroadcast) Actor() string  { return d.Author }
func (m *MemberJoined) Actor() string    { return m.UserID }
func (m *MemberLeft) Actor() string      { return m.UserID }
func (c *Commit) Actor() string          { return c.AuthorID }
