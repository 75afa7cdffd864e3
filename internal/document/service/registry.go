package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"collabspace/internal/clock"
	"collabspace/internal/crdt"
	"collabspace/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// LoaderFunc returns the head commit and its files for a workspace. An
// empty commit ID means the workspace has no history yet.
type LoaderFunc func(ctx context.Context, workspaceID string) (commitID string, files map[string]string, err error)

// SeedReplica is the replica every instance uses to load a commit, so
// seeded characters get the same IDs everywhere.
func SeedReplica(commitID string) string {
	return seedPrefix + commitID
}

const seedPrefix = "seed:"

type pendingOp struct {
	op       crdt.Operation
	from     string
	author   string
	remote   bool
	attempts int
	queuedAt time.Time
}

type document struct {
	mu      sync.Mutex
	path    string
	doc     *crdt.Doc
	pending []*pendingOp
}

// workspace holds the documents of one workspace. Local edits made by
// this process use replica, which is fresh for every load so a reloaded
// workspace never reuses character IDs.
type workspace struct {
	id         string
	replica    string
	seededFrom string

	mu         sync.Mutex
	docs       map[string]*document
	lastAccess time.Time
	// owners maps each client replica to the connection editing under it.
	owners map[string]string
}

// claim binds replica to clientID. A replica bound to another
// connection is refused.
func (w *workspace) claim(replica, clientID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if owner, ok := w.owners[replica]; ok {
		return owner == clientID
	}
	if w.owners == nil {
		w.owners = make(map[string]string)
	}
	w.owners[replica] = clientID
	return true
}

func (w *workspace) release(clientID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for replica, owner := range w.owners {
		if owner == clientID {
			delete(w.owners, replica)
		}
	}
}

func (w *workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastAccess = now
	w.mu.Unlock()
}

func (w *workspace) lookup(path string) (*document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.docs[path]
	return d, ok
}

// document returns the document at path, creating an empty one.
func (w *workspace) document(path string) *document {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.docs[path]
	if !ok {
		d = &document{path: path, doc: crdt.New(w.replica)}
		w.docs[path] = d
	}
	return d
}

func (w *workspace) documents() []*document {
	w.mu.Lock()
	defer w.mu.Unlock()
	docs := make([]*document, 0, len(w.docs))
	for _, d := range w.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].path < docs[j].path })
	return docs
}

// Registry caches the documents of every active workspace for the life
// of the process.
type Registry struct {
	mu         sync.Mutex
	workspaces map[string]*workspace
	loads      singleflight.Group

	loader      LoaderFunc
	clock       clock.Clock
	replica     string
	generations atomic.Uint64
}

func NewRegistry(loader LoaderFunc, c clock.Clock, replica string) *Registry {
	return &Registry{
		workspaces: make(map[string]*workspace),
		loader:     loader,
		clock:      c,
		replica:    replica,
	}
}

// acquire returns the cached workspace, loading it on first access.
// Concurrent first accesses share one load.
func (r *Registry) acquire(ctx context.Context, workspaceID string) (*workspace, error) {
	if ws, ok := r.lookup(workspaceID); ok {
		return ws, nil
	}

	v, err, _ := r.loads.Do(workspaceID, func() (interface{}, error) {
		if ws, ok := r.lookup(workspaceID); ok {
			return ws, nil
		}
		ws, err := r.load(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.workspaces[workspaceID] = ws
		r.mu.Unlock()
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workspace), nil
}

func (r *Registry) load(ctx context.Context, workspaceID string) (*workspace, error) {
	ws := &workspace{
		id:         workspaceID,
		replica:    fmt.Sprintf("%s-%d", r.replica, r.generations.Add(1)),
		docs:       make(map[string]*document),
		lastAccess: r.clock.Now(),
	}
	if r.loader == nil {
		return ws, nil
	}
	commitID, files, err := r.loader(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	ws.seededFrom = commitID
	for path, content := range files {
		d := &document{path: path, doc: crdt.New(ws.replica)}
		if content != "" {
			if _, err := d.doc.Apply(crdt.Seed(SeedReplica(commitID), content)); err != nil {
				return nil, err
			}
		}
		ws.docs[path] = d
	}
	logger.Sugar.Infof("Loaded workspace %s from commit %q with %d documents", workspaceID, commitID, len(files))
	return ws, nil
}

// lookup returns a cached workspace without loading it.
func (r *Registry) lookup(workspaceID string) (*workspace, bool) {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	r.mu.Unlock()
	if ok {
		ws.touch(r.clock.Now())
	}
	return ws, ok
}

func (r *Registry) all() []*workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws)
	}
	return out
}

// Evict drops workspaces idle for at least idle whose retain check
// fails, and returns their IDs.
func (r *Registry) Evict(idle time.Duration, retain func(workspaceID string) bool) []string {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, ws := range r.workspaces {
		ws.mu.Lock()
		last := ws.lastAccess
		ws.mu.Unlock()
		if now.Sub(last) < idle {
			continue
		}
		if retain != nil && retain(id) {
			continue
		}
		delete(r.workspaces, id)
		evicted = append(evicted, id)
	}
	sort.Strings(evicted)
	return evicted
}

// Cached reports how many workspaces are in memory.
func (r *Registry) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}
