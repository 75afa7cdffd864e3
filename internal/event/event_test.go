package event

import (
	"encoding/json"
	"testing"

	"collabspace/internal/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownKinds(t *testing.T) {
	in, err := Decode(Envelope{Type: SendMessage, Payload: json.RawMessage(`{"content":"hello","threadId":"t1"}`)})
	require.NoError(t, err)
	send, ok := in.(*Send)
	require.True(t, ok)
	assert.Equal(t, "hello", send.Content)
	assert.Equal(t, "t1", send.ThreadID)

	in, err = Decode(Envelope{Type: DocOperation, Payload: json.RawMessage(
		`{"path":"main.go","op":{"kind":"insert","id":{"replica":"r1","seq":1},"text":"x"}}`)})
	require.NoError(t, err)
	op := in.(*DocOp)
	assert.Equal(t, "main.go", op.Path)
	assert.Equal(t, crdt.KindInsert, op.Op.Kind)
	assert.Equal(t, crdt.ID{Replica: "r1", Seq: 1}, op.Op.ID)

	in, err = Decode(Envelope{Type: JoinWorkspace})
	require.NoError(t, err)
	assert.Equal(t, JoinWorkspace, in.Kind())

	in, err = Decode(Envelope{Type: CursorMove, Payload: json.RawMessage(`{"position":null}`)})
	require.NoError(t, err)
	assert.Nil(t, in.(*CursorState).Position)
}

func TestDecodeRejectsUnknownKinds(t *testing.T) {
	_, err := Decode(Envelope{Type: "UPDATE"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	// Outbound kinds are not accepted from clients.
	_, err = Decode(Envelope{Type: NewMessage})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode(Envelope{Type: Typing, Payload: json.RawMessage(`{"isTyping":"yes"}`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownKind)
}

func TestEncodeSetsActor(t *testing.T) {
	raw, err := Encode("ws1", &UserTypingState{UserID: "u1", IsTyping: true})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, UserTyping, env.Type)
	assert.Equal(t, "ws1", env.WorkspaceID)
	assert.Equal(t, "u1", env.UserID)
	assert.JSONEq(t, `{"userId":"u1","isTyping":true}`, string(env.Payload))

	raw, err = Encode("ws1", &Failure{Code: "unknown_event", Message: "nope"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, Error, env.Type)
}

func TestRelayed(t *testing.T) {
	assert.True(t, Relayed(NewMessage))
	assert.True(t, Relayed(DocOpApplied))
	assert.False(t, Relayed(JoinedWorkspace))
	assert.False(t, Relayed(MessageError))
	assert.False(t, Relayed(DocResyncRequired))
}
