package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"collabspace/internal/crdt"
	"collabspace/internal/event"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivered struct {
	workspaceID string
	frame       []byte
}

type fakeHub struct {
	mu  sync.Mutex
	got []delivered
}

func (h *fakeHub) Deliver(workspaceID string, frame []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, delivered{workspaceID, frame})
	return 1
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

type remoteOp struct {
	workspaceID, path, author string
	op                        crdt.Operation
}

type fakeDocs struct {
	mu     sync.Mutex
	loaded map[string]bool
	ops    []remoteOp
}

func (d *fakeDocs) Loaded(workspaceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded[workspaceID]
}

func (d *fakeDocs) ReceiveRemoteOperation(_ context.Context, workspaceID, path string, op crdt.Operation, authorID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, remoteOp{workspaceID, path, authorID, op})
	return true, nil
}

func (d *fakeDocs) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

type node struct {
	relay *Relay
	hub   *fakeHub
	docs  *fakeDocs
}

func startPair(t *testing.T) (*miniredis.Miniredis, node, node) {
	t.Helper()
	s := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())

	start := func(origin string) node {
		client := redis.NewClient(&redis.Options{Addr: s.Addr()})
		n := node{hub: &fakeHub{}, docs: &fakeDocs{loaded: map[string]bool{"ws1": true}}}
		n.relay = New(client, n.hub, n.docs, Config{Origin: origin})
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = n.relay.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
			client.Close()
		})
		return n
	}
	a, b := start("a"), start("b")
	require.Eventually(t, func() bool { return s.PubSubNumPat() == 2 }, 2*time.Second, 10*time.Millisecond)
	return s, a, b
}

func TestFramesReachOtherInstancesOnly(t *testing.T) {
	_, a, b := startPair(t)

	frame, err := event.Encode("ws1", &event.Message{ID: "m1", UserID: "alice", Content: "hi"})
	require.NoError(t, err)
	a.relay.Publish("ws1", event.NewMessage, frame)

	require.Eventually(t, func() bool { return b.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.hub.mu.Lock()
	assert.Equal(t, "ws1", b.hub.got[0].workspaceID)
	assert.Equal(t, frame, b.hub.got[0].frame)
	b.hub.mu.Unlock()

	// Give a's own subscription time to see the frame it published.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, a.hub.count())
}

func TestDocOperationsAreMergedNotForwarded(t *testing.T) {
	_, a, b := startPair(t)

	op := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "r1", Seq: 1}, Text: "x"}
	frame, err := event.Encode("ws1", &event.DocOpBroadcast{Path: "main.go", Op: op, Author: "alice"})
	require.NoError(t, err)
	a.relay.Publish("ws1", event.DocOpApplied, frame)

	require.Eventually(t, func() bool { return b.docs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.docs.mu.Lock()
	got := b.docs.ops[0]
	b.docs.mu.Unlock()
	assert.Equal(t, "ws1", got.workspaceID)
	assert.Equal(t, "main.go", got.path)
	assert.Equal(t, "alice", got.author)
	assert.Equal(t, op.ID, got.op.ID)
	assert.Equal(t, "x", got.op.Text)
	assert.Equal(t, 0, b.hub.count())
}

func TestDocOperationsForUnloadedWorkspaceAreSkipped(t *testing.T) {
	_, a, b := startPair(t)

	op := crdt.Operation{Kind: crdt.KindInsert, ID: crdt.ID{Replica: "r1", Seq: 1}, Text: "x"}
	frame, err := event.Encode("ws2", &event.DocOpBroadcast{Path: "main.go", Op: op})
	require.NoError(t, err)
	a.relay.Publish("ws2", event.DocOpApplied, frame)

	// A message published afterwards proves the doc-op was consumed.
	msg, err := event.Encode("ws2", &event.Message{ID: "m1"})
	require.NoError(t, err)
	a.relay.Publish("ws2", event.NewMessage, msg)

	require.Eventually(t, func() bool { return b.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.docs.count())
}

func TestPublishNeverBlocks(t *testing.T) {
	r := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), &fakeHub{}, nil, Config{Origin: "a", QueueSize: 2})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Publish("ws1", event.NewMessage, []byte("{}"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with a full queue")
	}
	assert.Len(t, r.queue, 2)
}

func TestFrameEncodingIsDeterministic(t *testing.T) {
	f := Frame{Origin: "a", Workspace: "ws1", Kind: event.NewMessage, Envelope: []byte(`{"type":"new-message"}`)}
	first, err := EncodeFrame(f)
	require.NoError(t, err)
	second, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var back Frame
	require.NoError(t, DecodeFrame(first, &back))
	assert.Equal(t, f, back)
}

func TestLargeEnvelopesAreCompressed(t *testing.T) {
	text := strings.Repeat("func main() { println(\"hello\") }\n", 200)
	frame, err := event.Encode("ws1", &event.DocSnapshot{Path: "main.go", Text: text})
	require.NoError(t, err)
	require.Greater(t, len(frame), compressThreshold)

	payload, err := EncodeFrame(Frame{Origin: "a", Workspace: "ws1", Kind: event.DocState, Envelope: frame})
	require.NoError(t, err)
	assert.Less(t, len(payload), len(frame)/2)

	var back Frame
	require.NoError(t, DecodeFrame(payload, &back))
	assert.False(t, back.Compressed)
	assert.Equal(t, frame, back.Envelope)
}
