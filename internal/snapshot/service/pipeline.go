package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"collabspace/config/database"
	"collabspace/internal/clock"
	"collabspace/internal/debounce"
	"collabspace/internal/event"
	"collabspace/internal/snapshot/model"
	"collabspace/internal/textgen"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"
)

// FileSource materializes the current text of every document.
type FileSource interface {
	Files(ctx context.Context, workspaceID string) (map[string]string, error)
}

type Store interface {
	Head(ctx context.Context, workspaceID string) (*model.Commit, error)
	Create(ctx context.Context, c *model.Commit) error
	History(ctx context.Context, workspaceID string, limit int) ([]model.Commit, error)
}

// Materializer writes file sets as content-addressed commits.
type Materializer interface {
	Commit(workspaceID string, files map[string]string, author, message string, when time.Time) (string, error)
	Reset(workspaceID, hash string) error
	ReadHead(workspaceID string) (string, map[string]string, error)
}

type Broadcaster interface {
	Broadcast(workspaceID string, out event.Outbound, exclude string) int
}

type Config struct {
	IdleDelay      time.Duration
	MaxDelay       time.Duration
	TextGenTimeout time.Duration
	// AutoAuthor signs commits nobody asked for.
	AutoAuthor string
}

func (c *Config) defaults() {
	if c.IdleDelay <= 0 {
		c.IdleDelay = 10 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.TextGenTimeout <= 0 {
		c.TextGenTimeout = 10 * time.Second
	}
	if c.AutoAuthor == "" {
		c.AutoAuthor = "collabspace"
	}
}

// Pipeline turns bursts of document edits into commits. An idle timer
// restarts on every edit; a max-delay timer starts with the first edit
// of a burst and is never restarted. Whichever fires first commits and
// disarms the other.
type Pipeline struct {
	cfg   Config
	files FileSource
	store Store
	git   Materializer
	hub   Broadcaster
	gen   textgen.Generator
	clock clock.Clock

	idle    *debounce.Group
	maxWait *debounce.Group

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(files FileSource, store Store, git Materializer, hub Broadcaster, gen textgen.Generator, c clock.Clock, cfg Config) *Pipeline {
	cfg.defaults()
	if gen == nil {
		gen = textgen.Disabled{}
	}
	if c == nil {
		c = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		files:  files,
		store:  store,
		git:    git,
		hub:    hub,
		gen:    gen,
		clock:  c,
		locks:  make(map[string]*sync.Mutex),
		ctx:    ctx,
		cancel: cancel,
	}
	p.idle = debounce.New(c, cfg.IdleDelay, p.fire)
	p.maxWait = debounce.New(c, cfg.MaxDelay, p.fire)
	return p
}

// ScheduleSnapshot records that the workspace changed.
func (p *Pipeline) ScheduleSnapshot(workspaceID string) {
	p.idle.Reset(workspaceID)
	p.maxWait.Start(workspaceID)
}

// Pending reports whether an automatic commit is scheduled.
func (p *Pipeline) Pending(workspaceID string) bool {
	return p.idle.Pending(workspaceID) || p.maxWait.Pending(workspaceID)
}

func (p *Pipeline) disarm(workspaceID string) bool {
	idle := p.idle.Cancel(workspaceID)
	maxWait := p.maxWait.Cancel(workspaceID)
	return idle || maxWait
}

func (p *Pipeline) fire(workspaceID string) {
	p.disarm(workspaceID)
	p.lockMu.Lock()
	if p.closed {
		p.lockMu.Unlock()
		return
	}
	p.wg.Add(1)
	p.lockMu.Unlock()
	defer p.wg.Done()

	p.autoCommit(p.ctx, workspaceID)
}

func (p *Pipeline) autoCommit(ctx context.Context, workspaceID string) (*model.Commit, error) {
	c, err := p.commit(ctx, workspaceID, p.cfg.AutoAuthor, "", true)
	switch {
	case errors.Is(err, apperr.ErrNoChanges):
		logger.Sugar.Debugf("Snapshot of workspace %s skipped: no changes", workspaceID)
		return nil, nil
	case err != nil:
		logger.Sugar.Errorf("Automatic snapshot of workspace %s failed: %v", workspaceID, err)
		p.retry(workspaceID)
		return nil, err
	}
	logger.Sugar.Infof("Automatic snapshot %s created for workspace %s", c.ID, workspaceID)
	return c, nil
}

// retry re-arms a failed automatic commit so the edits stay scheduled
// and the workspace stays loaded until a commit succeeds.
func (p *Pipeline) retry(workspaceID string) {
	p.lockMu.Lock()
	closed := p.closed
	p.lockMu.Unlock()
	if !closed {
		p.ScheduleSnapshot(workspaceID)
	}
}

// Flush commits a scheduled snapshot right away. It returns nil when
// nothing was scheduled or nothing changed.
func (p *Pipeline) Flush(ctx context.Context, workspaceID string) (*model.Commit, error) {
	if !p.disarm(workspaceID) {
		return nil, nil
	}
	return p.autoCommit(ctx, workspaceID)
}

// Commit creates a snapshot on request. An empty message is generated
// from the change list.
func (p *Pipeline) Commit(ctx context.Context, workspaceID, authorID, message string) (*model.Commit, error) {
	if authorID == "" {
		return nil, apperr.New(apperr.ErrUnauthorized, "author is not authenticated")
	}
	// The manual commit covers whatever was scheduled.
	scheduled := p.disarm(workspaceID)
	c, err := p.commit(ctx, workspaceID, authorID, message, false)
	if err != nil {
		if scheduled {
			p.ScheduleSnapshot(workspaceID)
		}
		return nil, err
	}
	return c, nil
}

func (p *Pipeline) commit(ctx context.Context, workspaceID, authorID, message string, auto bool) (*model.Commit, error) {
	if workspaceID == "" {
		return nil, apperr.New(apperr.ErrInvalid, "workspace id is required")
	}
	lock := p.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	files, err := p.files.Files(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	parent, err := p.store.Head(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load head commit", err)
	}
	gitHead, previous, err := p.git.ReadHead(workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to read repository head", err)
	}

	var parentID string
	var parentManifest map[string]string
	if parent != nil {
		parentID = parent.ID
		parentManifest = parent.Manifest
	}
	manifest := Manifest(files)
	changes := Diff(parentManifest, manifest, previous, files)
	if len(changes) == 0 {
		return nil, apperr.New(apperr.ErrNoChanges, "nothing changed since the last commit")
	}

	if message == "" {
		fc := make([]textgen.FileChange, len(changes))
		for i, ch := range changes {
			fc[i] = textgen.FileChange{Path: ch.Path, LinesChanged: ch.LinesChanged}
		}
		message, _ = textgen.WithFallback(ctx, p.gen, p.cfg.TextGenTimeout, textgen.CommitMessageRequest(fc), model.FallbackMessage)
	}

	now := p.clock.Now().UTC()
	hash, err := p.git.Commit(workspaceID, files, authorID, message, now)
	if errors.Is(err, apperr.ErrNoChanges) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to write commit", err)
	}

	paths := make([]string, len(changes))
	for i, ch := range changes {
		paths[i] = ch.Path
	}
	c := &model.Commit{
		ID:          hash,
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		AuthorID:    authorID,
		Message:     message,
		Files:       paths,
		Manifest:    manifest,
		Auto:        auto,
		CreatedAt:   now,
	}
	if err := p.store.Create(ctx, c); err != nil {
		if rerr := p.git.Reset(workspaceID, gitHead); rerr != nil {
			logger.Sugar.Errorf("Failed to roll back repository of workspace %s to %q: %v", workspaceID, gitHead, rerr)
		}
		if database.IsUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.ErrSerialization, "another commit already extends the head", err)
		}
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to save commit", err)
	}

	if p.hub != nil {
		p.hub.Broadcast(workspaceID, ToEvent(c), "")
	}
	return c, nil
}

func (p *Pipeline) History(ctx context.Context, workspaceID string, limit int) ([]model.Commit, error) {
	switch {
	case limit <= 0:
		limit = model.DefaultHistoryLimit
	case limit > model.MaxHistoryLimit:
		limit = model.MaxHistoryLimit
	}
	commits, err := p.store.History(ctx, workspaceID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load history", err)
	}
	return commits, nil
}

func (p *Pipeline) Head(ctx context.Context, workspaceID string) (*model.Commit, error) {
	c, err := p.store.Head(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load head commit", err)
	}
	return c, nil
}

// Close disarms every timer and waits for running automatic commits.
func (p *Pipeline) Close() {
	p.lockMu.Lock()
	p.closed = true
	p.lockMu.Unlock()

	p.idle.Stop()
	p.maxWait.Stop()
	p.wg.Wait()
	p.cancel()
}

func (p *Pipeline) workspaceLock(workspaceID string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	lock, ok := p.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[workspaceID] = lock
	}
	return lock
}

func ToEvent(c *model.Commit) *event.Commit {
	files := append([]string(nil), c.Files...)
	sort.Strings(files)
	return &event.Commit{
		ID:        c.ID,
		ParentID:  c.ParentID,
		AuthorID:  c.AuthorID,
		Message:   c.Message,
		Files:     files,
		Auto:      c.Auto,
		CreatedAt: c.CreatedAt,
	}
}
