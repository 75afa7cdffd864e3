package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collabspace/internal/clock"
	"collabspace/internal/event"
	"collabspace/internal/gitrepo"
	"collabspace/internal/snapshot/model"
	"collabspace/internal/textgen"
	"collabspace/pkg/apperr"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryFiles struct {
	mu    sync.Mutex
	files map[string]map[string]string
}

func (m *memoryFiles) set(workspaceID, path, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[string]map[string]string)
	}
	if m.files[workspaceID] == nil {
		m.files[workspaceID] = make(map[string]string)
	}
	m.files[workspaceID][path] = text
}

func (m *memoryFiles) Files(_ context.Context, workspaceID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for p, t := range m.files[workspaceID] {
		out[p] = t
	}
	return out, nil
}

type memoryCommits struct {
	mu      sync.Mutex
	commits []model.Commit
	fail    error
}

func (s *memoryCommits) Head(_ context.Context, workspaceID string) (*model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.commits) - 1; i >= 0; i-- {
		if s.commits[i].WorkspaceID == workspaceID {
			c := s.commits[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memoryCommits) Create(_ context.Context, c *model.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commits = append(s.commits, *c)
	return nil
}

func (s *memoryCommits) History(_ context.Context, workspaceID string, limit int) ([]model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Commit
	for i := len(s.commits) - 1; i >= 0 && len(out) < limit; i-- {
		if s.commits[i].WorkspaceID == workspaceID {
			out = append(out, s.commits[i])
		}
	}
	return out, nil
}

func (s *memoryCommits) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

type commitHub struct {
	mu      sync.Mutex
	commits []*event.Commit
}

func (h *commitHub) Broadcast(_ string, out event.Outbound, _ string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := out.(*event.Commit); ok {
		h.commits = append(h.commits, c)
	}
	return 1
}

type fixture struct {
	clock *clock.FakeClock
	files *memoryFiles
	store *memoryCommits
	git   *gitrepo.Service
	hub   *commitHub
	p     *Pipeline
}

func newFixture(t *testing.T, gen textgen.Generator) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		files: &memoryFiles{},
		store: &memoryCommits{},
		git:   gitrepo.New(t.TempDir()),
		hub:   &commitHub{},
	}
	f.p = NewPipeline(f.files, f.store, f.git, f.hub, gen, f.clock, Config{
		IdleDelay: 10 * time.Second,
		MaxDelay:  time.Minute,
	})
	t.Cleanup(f.p.Close)
	return f
}

func TestIdleTimerCommitsAfterQuietPeriod(t *testing.T) {
	f := newFixture(t, nil)
	f.files.set("ws1", "main.go", "package main\n")

	f.p.ScheduleSnapshot("ws1")
	f.clock.Advance(9 * time.Second)
	assert.Equal(t, 0, f.store.count())
	assert.True(t, f.p.Pending("ws1"))

	f.clock.Advance(time.Second)
	require.Equal(t, 1, f.store.count())
	assert.False(t, f.p.Pending("ws1"))

	head, err := f.p.Head(context.Background(), "ws1")
	require.NoError(t, err)
	assert.True(t, head.Auto)
	assert.Equal(t, "collabspace", head.AuthorID)
	assert.Equal(t, model.FallbackMessage, head.Message)
	assert.Equal(t, []string{"main.go"}, head.Files)

	gitHead, files, err := f.git.ReadHead("ws1")
	require.NoError(t, err)
	assert.Equal(t, head.ID, gitHead)
	assert.Equal(t, "package main\n", files["main.go"])

	require.Len(t, f.hub.commits, 1)
	assert.Equal(t, head.ID, f.hub.commits[0].ID)
}

func TestMaxDelayCapsContinuousEditing(t *testing.T) {
	f := newFixture(t, nil)

	// An edit every five seconds keeps the idle timer from firing.
	for i := 0; i < 11; i++ {
		f.files.set("ws1", "a.txt", string(rune('a'+i)))
		f.p.ScheduleSnapshot("ws1")
		f.clock.Advance(5 * time.Second)
	}
	require.Equal(t, 0, f.store.count())

	f.files.set("ws1", "a.txt", "final")
	f.p.ScheduleSnapshot("ws1")
	f.clock.Advance(5 * time.Second)
	require.Equal(t, 1, f.store.count())

	// The idle timer of the same burst was disarmed with it.
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.store.count())
	assert.False(t, f.p.Pending("ws1"))
}

func TestUnchangedSnapshotIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.files.set("ws1", "a.txt", "same")

	f.p.ScheduleSnapshot("ws1")
	f.clock.Advance(10 * time.Second)
	require.Equal(t, 1, f.store.count())

	f.p.ScheduleSnapshot("ws1")
	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, f.store.count())
	assert.Len(t, f.hub.commits, 1)

	_, err := f.p.Commit(context.Background(), "ws1", "alice", "again")
	assert.ErrorIs(t, err, apperr.ErrNoChanges)
}

func TestManualCommitMessages(t *testing.T) {
	var prompts []string
	gen := textgen.Func(func(_ context.Context, req textgen.Request) (string, error) {
		prompts = append(prompts, req.Prompt)
		return "Add greeting", nil
	})
	f := newFixture(t, gen)
	ctx := context.Background()

	f.files.set("ws1", "hello.txt", "hi\n")
	c, err := f.p.Commit(ctx, "ws1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Add greeting", c.Message)
	assert.False(t, c.Auto)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "hello.txt")

	f.files.set("ws1", "hello.txt", "hi\nthere\n")
	c2, err := f.p.Commit(ctx, "ws1", "bob", "Extend greeting")
	require.NoError(t, err)
	assert.Equal(t, "Extend greeting", c2.Message)
	assert.Equal(t, c.ID, c2.ParentID)
	assert.Len(t, prompts, 1)

	history, err := f.p.History(ctx, "ws1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, c2.ID, history[0].ID)
}

func TestManualCommitCoversScheduledSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.files.set("ws1", "a.txt", "x")
	f.p.ScheduleSnapshot("ws1")

	_, err := f.p.Commit(context.Background(), "ws1", "alice", "manual")
	require.NoError(t, err)
	assert.False(t, f.p.Pending("ws1"))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.store.count())
}

func TestManualCommitRequiresAuthor(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.p.Commit(context.Background(), "ws1", "", "msg")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestStoreFailureRollsBackRepository(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.files.set("ws1", "a.txt", "one")
	first, err := f.p.Commit(ctx, "ws1", "alice", "first")
	require.NoError(t, err)

	f.store.fail = errors.New("connection reset")
	f.files.set("ws1", "a.txt", "two")
	f.p.ScheduleSnapshot("ws1")
	_, err = f.p.Commit(ctx, "ws1", "alice", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrPersistenceFailed)

	gitHead, files, err := f.git.ReadHead("ws1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, gitHead)
	assert.Equal(t, "one", files["a.txt"])
	assert.Len(t, f.hub.commits, 1)

	// The failed commit's schedule is restored.
	assert.True(t, f.p.Pending("ws1"))
}

func TestFailedAutomaticCommitStaysScheduled(t *testing.T) {
	f := newFixture(t, nil)
	f.files.set("ws1", "a.txt", "draft")
	f.store.mu.Lock()
	f.store.fail = errors.New("connection reset")
	f.store.mu.Unlock()

	f.p.ScheduleSnapshot("ws1")
	f.clock.Advance(11 * time.Second)
	assert.Equal(t, 0, f.store.count())
	assert.True(t, f.p.Pending("ws1"))

	f.store.mu.Lock()
	f.store.fail = nil
	f.store.mu.Unlock()

	f.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, f.store.count())
	assert.False(t, f.p.Pending("ws1"))
}

func TestStoreFailureOnFirstCommitClearsBranch(t *testing.T) {
	f := newFixture(t, nil)
	f.store.fail = errors.New("connection reset")
	f.files.set("ws1", "a.txt", "one")

	_, err := f.p.Commit(context.Background(), "ws1", "alice", "first")
	require.Error(t, err)

	gitHead, files, err := f.git.ReadHead("ws1")
	require.NoError(t, err)
	assert.Empty(t, gitHead)
	assert.Empty(t, files)
}

func TestConflictingHeadIsSerializationError(t *testing.T) {
	f := newFixture(t, nil)
	f.store.fail = &pq.Error{Code: "23505"}
	f.files.set("ws1", "a.txt", "one")

	_, err := f.p.Commit(context.Background(), "ws1", "alice", "first")
	assert.ErrorIs(t, err, apperr.ErrSerialization)
	assert.Equal(t, "serialization_conflict", apperr.Code(err))
}

func TestConcurrentCommitsFormChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.files.set("ws1", "file.txt", string(rune('a'+i)))
			_, _ = f.p.Commit(ctx, "ws1", "alice", "edit")
		}(i)
	}
	wg.Wait()

	history, err := f.p.History(ctx, "ws1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for i := 0; i < len(history)-1; i++ {
		assert.Equal(t, history[i+1].ID, history[i].ParentID)
	}
	assert.Empty(t, history[len(history)-1].ParentID)
}

func TestFlushCommitsScheduledSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.p.Flush(ctx, "ws1")
	require.NoError(t, err)
	assert.Nil(t, c)

	f.files.set("ws1", "a.txt", "x")
	f.p.ScheduleSnapshot("ws1")
	c, err = f.p.Flush(ctx, "ws1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Auto)
	assert.False(t, f.p.Pending("ws1"))
}

func TestCloseDisarmsTimers(t *testing.T) {
	f := newFixture(t, nil)
	f.files.set("ws1", "a.txt", "x")
	f.p.ScheduleSnapshot("ws1")

	f.p.Close()
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, f.store.count())
}

func TestHistoryClampsLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.files.set("ws1", "a.txt", string(rune('a'+i)))
		_, err := f.p.Commit(ctx, "ws1", "alice", "edit")
		require.NoError(t, err)
	}
	history, err := f.p.History(ctx, "ws1", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = f.p.History(ctx, "ws1", -1)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestDiff(t *testing.T) {
	before := map[string]string{"keep.txt": "same\n", "edit.txt": "a\nb\nc\n", "gone.txt": "x\ny\n"}
	after := map[string]string{"keep.txt": "same\n", "edit.txt": "a\nB\nc\n", "new.txt": "1\n2\n3\n"}

	changes := Diff(Manifest(before), Manifest(after), before, after)
	assert.Equal(t, []model.Change{
		{Path: "edit.txt", Status: model.Modified, LinesChanged: 2},
		{Path: "gone.txt", Status: model.Removed, LinesChanged: 2},
		{Path: "new.txt", Status: model.Added, LinesChanged: 3},
	}, changes)

	assert.Empty(t, Diff(Manifest(after), Manifest(after), after, after))
	assert.Len(t, ContentHash("x"), 64)
}
