package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"collabspace/config/database"
	"collabspace/internal/clock"
	"collabspace/internal/crdt"
	docsvc "collabspace/internal/document/service"
	"collabspace/internal/event"
	msgrepo "collabspace/internal/message/repository"
	msgsvc "collabspace/internal/message/service"
	"collabspace/internal/presence"
	"collabspace/socket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	hub   *socket.Hub
	clock *clock.FakeClock
	gw    *Gateway
	docs  *docsvc.Engine
	msgs  *msgsvc.MessageService
}

func setup(t *testing.T) *env {
	t.Helper()
	db, dialect, err := database.Connect(context.Background(), "file:"+filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := clock.Fake(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	hub := socket.NewHub(socket.Config{})
	tracker := presence.NewTracker(hub, c, 3*time.Second)
	t.Cleanup(tracker.Close)

	loader := func(context.Context, string) (string, map[string]string, error) { return "", nil, nil }
	docs := docsvc.NewEngine(hub, loader, c, docsvc.Config{})
	msgs := msgsvc.NewMessageService(msgrepo.NewMessageRepository(db, dialect), hub, nil, time.Second)

	gw := New(hub, tracker, msgs, docs)
	hub.SetObserver(gw)
	return &env{hub: hub, clock: c, gw: gw, docs: docs, msgs: msgs}
}

func (e *env) send(t *testing.T, c *socket.Client, workspaceID string, kind event.Kind, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	e.gw.HandleEvent(context.Background(), c, event.Envelope{
		Type:         kind,
		WorkspaceID:  workspaceID,
		UserID:       c.UserID,
		ConnectionID: c.ID,
		Payload:      raw,
	})
}

func drain(t *testing.T, c *socket.Client) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	for {
		select {
		case frame, ok := <-c.Send:
			if !ok {
				return out
			}
			var envl event.Envelope
			require.NoError(t, json.Unmarshal(frame, &envl))
			out = append(out, envl)
		default:
			return out
		}
	}
}

func kinds(envs []event.Envelope) []event.Kind {
	out := make([]event.Kind, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func find(t *testing.T, envs []event.Envelope, kind event.Kind, v any) {
	t.Helper()
	for _, e := range envs {
		if e.Type == kind {
			require.NoError(t, json.Unmarshal(e.Payload, v))
			return
		}
	}
	t.Fatalf("no %s event in %v", kind, kinds(envs))
}

func (e *env) joined(t *testing.T, userID string) *socket.Client {
	t.Helper()
	c := e.hub.Connect(userID)
	e.send(t, c, "ws1", event.JoinWorkspace, event.Join{})
	return c
}

func TestJoinAnnouncesNewMember(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")

	got := drain(t, alice)
	require.Equal(t, []event.Kind{event.JoinedWorkspace}, kinds(got))
	var j event.Joined
	find(t, got, event.JoinedWorkspace, &j)
	assert.Equal(t, "ws1", j.WorkspaceID)
	assert.Equal(t, alice.ID, j.ConnectionID)
	require.Len(t, j.Presence, 1)
	assert.Equal(t, "alice", j.Presence[0].UserID)

	bob := e.hub.Connect("bob")
	e.send(t, bob, "", event.JoinWorkspace, event.Join{WorkspaceID: "ws1", Name: "Bob"})

	toAlice := drain(t, alice)
	assert.Contains(t, kinds(toAlice), event.UserJoined)
	assert.Contains(t, kinds(toAlice), event.PresenceUpdate)
	var m event.Member
	find(t, toAlice, event.UserJoined, &m)
	assert.Equal(t, "bob", m.UserID)

	toBob := drain(t, bob)
	assert.NotContains(t, kinds(toBob), event.UserJoined)
	find(t, toBob, event.JoinedWorkspace, &j)
	require.Len(t, j.Presence, 2)
	assert.Equal(t, "Bob", j.Presence[1].Name)
}

func TestSecondConnectionOfSameUserIsQuiet(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	bobTab := e.joined(t, "bob")
	drain(t, bobTab)
	assert.Empty(t, drain(t, alice))

	e.hub.Disconnect(bobTab.ID)
	assert.Empty(t, drain(t, alice), "bob is still connected elsewhere")

	e.hub.Disconnect(bob.ID)
	got := drain(t, alice)
	assert.Contains(t, kinds(got), event.UserLeft)
	assert.Contains(t, kinds(got), event.PresenceUpdate)
	var p event.Presence
	find(t, got, event.PresenceUpdate, &p)
	require.Len(t, p.Entries, 1)
	assert.Equal(t, "alice", p.Entries[0].UserID)
}

func TestSendMessageReachesWholeRoom(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	e.send(t, bob, "ws1", event.SendMessage, event.Send{Content: "hi", ThreadID: "t1"})

	for _, c := range []*socket.Client{alice, bob} {
		var m event.Message
		find(t, drain(t, c), event.NewMessage, &m)
		assert.Equal(t, "hi", m.Content)
		assert.Equal(t, "bob", m.UserID)
		assert.Equal(t, "t1", m.ThreadID)
	}

	recent, err := e.msgs.Recent(context.Background(), "ws1", 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestSendMessageFailureGoesToSenderOnly(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	e.send(t, bob, "ws1", event.SendMessage, event.Send{Content: "   "})

	var failed event.MessageFailed
	find(t, drain(t, bob), event.MessageError, &failed)
	assert.Equal(t, "Failed to send message", failed.Error)
	assert.Equal(t, "invalid_request", failed.Code)
	assert.Empty(t, drain(t, alice))
}

func TestEventsRequireMembership(t *testing.T) {
	e := setup(t)
	c := e.hub.Connect("alice")

	e.send(t, c, "ws1", event.SendMessage, event.Send{Content: "hi"})
	var f event.Failure
	find(t, drain(t, c), event.Error, &f)
	assert.Equal(t, "unauthorized", f.Code)
}

func TestUnknownAndMalformedEvents(t *testing.T) {
	e := setup(t)
	c := e.joined(t, "alice")
	drain(t, c)

	e.gw.HandleEvent(context.Background(), c, event.Envelope{Type: "UPDATE", WorkspaceID: "ws1"})
	var f event.Failure
	find(t, drain(t, c), event.Error, &f)
	assert.Equal(t, "unknown_event", f.Code)

	e.gw.HandleEvent(context.Background(), c, event.Envelope{Type: event.Typing, WorkspaceID: "ws1", Payload: json.RawMessage(`{"isTyping":"yes"}`)})
	find(t, drain(t, c), event.Error, &f)
	assert.Equal(t, "invalid_request", f.Code)
}

func TestTypingExpires(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	e.send(t, bob, "ws1", event.Typing, event.TypingState{IsTyping: true})
	var ty event.UserTypingState
	find(t, drain(t, alice), event.UserTyping, &ty)
	assert.True(t, ty.IsTyping)
	assert.Empty(t, drain(t, bob))

	e.clock.Advance(3 * time.Second)
	find(t, drain(t, alice), event.UserTyping, &ty)
	assert.False(t, ty.IsTyping)
	assert.Equal(t, "bob", ty.UserID)
}

func TestDocumentEditsAndCursor(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	op := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "alice-tab", Seq: 1}, Text: "hi\nyo"}
	e.send(t, alice, "ws1", event.DocOperation, event.DocOp{Path: "notes.md", Op: op})

	var applied event.DocOpBroadcast
	find(t, drain(t, bob), event.DocOpApplied, &applied)
	assert.Equal(t, "notes.md", applied.Path)
	assert.Equal(t, "alice", applied.Author)
	assert.Empty(t, drain(t, alice))

	e.send(t, bob, "ws1", event.DocSync, event.DocSyncRequest{Path: "notes.md"})
	var snap event.DocSnapshot
	find(t, drain(t, bob), event.DocState, &snap)
	assert.Equal(t, "hi\nyo", snap.Text)
	assert.Equal(t, uint64(5), snap.Version["alice-tab"])

	// Anchor on "o" (fifth rune): line 2, column 2.
	anchor := crdt.ID{Replica: "alice-tab", Seq: 5}
	e.send(t, alice, "ws1", event.CursorMove, event.CursorState{Position: &event.Cursor{Path: "notes.md", Line: 9, Column: 9, Anchor: &anchor}})
	var p event.Presence
	find(t, drain(t, bob), event.PresenceUpdate, &p)
	var cursor *event.Cursor
	for _, entry := range p.Entries {
		if entry.UserID == "alice" {
			cursor = entry.Cursor
		}
	}
	require.NotNil(t, cursor)
	assert.Equal(t, 2, cursor.Line)
	assert.Equal(t, 2, cursor.Column)
}

func TestInvalidDocOperationIsReported(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	drain(t, alice)

	op := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "alice-tab", Seq: 1}, Text: "x"}
	e.send(t, alice, "ws1", event.DocOperation, event.DocOp{Path: "../etc/passwd", Op: op})
	var f event.Failure
	find(t, drain(t, alice), event.Error, &f)
	assert.Equal(t, "invalid_request", f.Code)
}

func TestWebsocketAutoJoin(t *testing.T) {
	e := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(e.hub, e.gw, w, r, r.URL.Query().Get("user"))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user=alice&workspaceId=ws1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envl event.Envelope
	require.NoError(t, conn.ReadJSON(&envl))
	assert.Equal(t, event.JoinedWorkspace, envl.Type)
	assert.Equal(t, "ws1", envl.WorkspaceID)

	require.NoError(t, conn.WriteJSON(event.Envelope{
		Type:        event.SendMessage,
		WorkspaceID: "ws1",
		UserID:      "mallory",
		Payload:     json.RawMessage(`{"content":"hello"}`),
	}))
	require.NoError(t, conn.ReadJSON(&envl))
	assert.Equal(t, event.NewMessage, envl.Type)
	assert.Equal(t, "alice", envl.UserID, "identity comes from the connection")
}

func TestReplicaFreedWhenConnectionLeaves(t *testing.T) {
	e := setup(t)
	alice := e.joined(t, "alice")
	bob := e.joined(t, "bob")
	drain(t, alice)
	drain(t, bob)

	first := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "tab", Seq: 1}, Text: "a"}
	e.send(t, alice, "ws1", event.DocOperation, event.DocOp{Path: "notes.md", Op: first})
	drain(t, alice)
	drain(t, bob)

	next := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "tab", Seq: 2}, Left: &first.ID, Text: "b"}
	e.send(t, bob, "ws1", event.DocOperation, event.DocOp{Path: "notes.md", Op: next})
	var resync event.ResyncRequired
	find(t, drain(t, bob), event.DocResyncRequired, &resync)
	assert.Equal(t, "notes.md", resync.Path)

	e.hub.Disconnect(alice.ID)
	drain(t, bob)
	e.send(t, bob, "ws1", event.DocOperation, event.DocOp{Path: "notes.md", Op: next})
	assert.NotContains(t, kinds(drain(t, bob)), event.Error)

	text, err := e.docs.CurrentText(context.Background(), "ws1", "notes.md")
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}
