// Package gitrepo materializes workspace snapshots as commits in one
// git repository per workspace.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"collabspace/pkg/apperr"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const branch = "main"

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit replaces the tracked tree of the workspace with files and
// commits it on main. Paths missing from files are deleted. A tree
// identical to the current head yields apperr.ErrNoChanges.
func (s *Service) Commit(workspaceID string, files map[string]string, author, message string, when time.Time) (string, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(workspaceID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	idx, err := repo.Storer.Index()
	if err != nil {
		return "", fmt.Errorf("read index: %w", err)
	}
	for _, entry := range idx.Entries {
		if _, keep := files[entry.Name]; keep {
			continue
		}
		if _, err := worktree.Remove(entry.Name); err != nil {
			return "", fmt.Errorf("git rm %s: %w", entry.Name, err)
		}
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		full, err := resolve(root, p)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", p, err)
		}
		if err := os.WriteFile(full, []byte(files[p]), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", p, err)
		}
		if _, err := worktree.Add(p); err != nil {
			return "", fmt.Errorf("git add %s: %w", p, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@collabspace.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return "", apperr.Wrap(apperr.ErrNoChanges, "nothing to commit", err)
	}
	if err != nil {
		return "", fmt.Errorf("commit files: %w", err)
	}
	return hash.String(), nil
}

// Reset moves main back to hash. An empty hash returns the workspace to
// having no commits.
func (s *Service) Reset(workspaceID, hash string) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(workspaceID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	if hash == "" {
		err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branch))
		if err != nil {
			return fmt.Errorf("remove main ref: %w", err)
		}
		if err := repo.Storer.SetIndex(&index.Index{Version: 2}); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		return nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: plumbing.NewHash(hash), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to %s: %w", hash, err)
	}
	return nil
}

// Head returns the hash main points at, or "" before the first commit.
func (s *Service) Head(workspaceID string) (string, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.head(workspaceID)
	if err != nil || commitObj == nil {
		return "", err
	}
	return commitObj.Hash.String(), nil
}

// ReadHead returns the head hash and every file in its tree.
func (s *Service) ReadHead(workspaceID string) (string, map[string]string, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.head(workspaceID)
	if err != nil {
		return "", nil, err
	}
	files := make(map[string]string)
	if commitObj == nil {
		return "", files, nil
	}

	iter, err := commitObj.Files()
	if err != nil {
		return "", nil, fmt.Errorf("list head files: %w", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		files[f.Name] = content
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return commitObj.Hash.String(), files, nil
}

func (s *Service) History(workspaceID string, limit int) ([]CommitInfo, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	commitObj, err := s.head(workspaceID)
	if err != nil || commitObj == nil {
		return []CommitInfo{}, err
	}
	repo, err := git.PlainOpen(s.repoPath(workspaceID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: commitObj.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, toCommitInfo(c))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// head returns nil without error when the repository or branch does
// not exist yet.
func (s *Service) head(workspaceID string) (*object.Commit, error) {
	repo, err := git.PlainOpen(s.repoPath(workspaceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func (s *Service) ensureRepo(workspaceID string) (*git.Repository, error) {
	path := s.repoPath(workspaceID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(workspaceID string) string {
	return filepath.Join(s.baseDir, sanitizeDir(workspaceID))
}

func (s *Service) workspaceLock(workspaceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[workspaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[workspaceID] = lock
	return lock
}

// resolve joins a slash path onto root and refuses anything escaping it.
func resolve(root, p string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(p))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(p, ".git/") || p == ".git" {
		return "", apperr.New(apperr.ErrInvalid, fmt.Sprintf("path %q is outside the workspace", p))
	}
	return full, nil
}

func toCommitInfo(c *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      c.Hash.String(),
		Message:   c.Message,
		Author:    c.Author.Name,
		CreatedAt: c.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// sanitizeDir keeps workspace IDs usable as a single directory name.
func sanitizeDir(workspaceID string) string {
	out := make([]rune, 0, len(workspaceID))
	for _, r := range workspaceID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
