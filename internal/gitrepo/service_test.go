package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collabspace/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var when = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestCommitLifecycle(t *testing.T) {
	svc := New(t.TempDir())

	head, err := svc.Head("ws-1")
	require.NoError(t, err)
	assert.Empty(t, head)

	first, err := svc.Commit("ws-1", map[string]string{
		"main.go":        "package main\n",
		"docs/README.md": "# Demo\n",
	}, "Avery Lee", "feat: initial files", when)
	require.NoError(t, err)
	assert.Len(t, first, 40)

	second, err := svc.Commit("ws-1", map[string]string{
		"main.go": "package main\n\nfunc main() {}\n",
	}, "Avery Lee", "refactor: drop docs", when.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	hash, files, err := svc.ReadHead("ws-1")
	require.NoError(t, err)
	assert.Equal(t, second, hash)
	assert.Equal(t, map[string]string{"main.go": "package main\n\nfunc main() {}\n"}, files)

	history, err := svc.History("ws-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second, history[0].Hash)
	assert.Equal(t, "Avery Lee", history[0].Author)
	assert.Equal(t, "refactor: drop docs", history[0].Message)
	assert.Equal(t, first, history[1].Hash)

	limited, err := svc.History("ws-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCommitWithoutChanges(t *testing.T) {
	svc := New(t.TempDir())
	files := map[string]string{"a.txt": "a"}

	_, err := svc.Commit("ws", files, "u", "first", when)
	require.NoError(t, err)

	_, err = svc.Commit("ws", files, "u", "again", when)
	assert.ErrorIs(t, err, apperr.ErrNoChanges)

	_, err = New(t.TempDir()).Commit("empty", map[string]string{}, "u", "nothing", when)
	assert.ErrorIs(t, err, apperr.ErrNoChanges)
}

func TestResetRollsBack(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.Commit("ws", map[string]string{"a.txt": "one"}, "u", "one", when)
	require.NoError(t, err)
	_, err = svc.Commit("ws", map[string]string{"a.txt": "two"}, "u", "two", when)
	require.NoError(t, err)

	require.NoError(t, svc.Reset("ws", first))
	hash, files, err := svc.ReadHead("ws")
	require.NoError(t, err)
	assert.Equal(t, first, hash)
	assert.Equal(t, "one", files["a.txt"])

	require.NoError(t, svc.Reset("ws", ""))
	head, err := svc.Head("ws")
	require.NoError(t, err)
	assert.Empty(t, head)

	again, err := svc.Commit("ws", map[string]string{"b.txt": "fresh"}, "u", "restart", when)
	require.NoError(t, err)
	history, err := svc.History("ws", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, again, history[0].Hash)
	_, files, err = svc.ReadHead("ws")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b.txt": "fresh"}, files)
}

func TestCommitRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir)
	for _, p := range []string{"../outside.txt", ".git/config"} {
		_, err := svc.Commit("ws", map[string]string{p: "x"}, "u", "bad", when)
		assert.ErrorIs(t, err, apperr.ErrInvalid, p)
	}
	_, err := os.Stat(filepath.Join(dir, "outside.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Commit("ws", map[string]string{"counter.txt": fmt.Sprintf("%d", i)}, "u", fmt.Sprintf("write %d", i), when)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	committed := 0
	for err := range errs {
		if err == nil {
			committed++
		}
	}
	history, err := svc.History("ws", 0)
	require.NoError(t, err)
	assert.Equal(t, committed, len(history))
	assert.Equal(t, 8, committed)
}

func TestWorkspaceDirectoryName(t *testing.T) {
	assert.Equal(t, "team_1_a", sanitizeDir("team/1.a"))
	assert.Equal(t, "_", sanitizeDir(""))
	assert.Equal(t, "Avery.Lee", sanitizeEmail("Avery Lee"))
}
