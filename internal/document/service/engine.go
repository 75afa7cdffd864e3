package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"collabspace/internal/clock"
	"collabspace/internal/crdt"
	"collabspace/internal/document/model"
	"collabspace/internal/event"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxPathLength = 512

// Broadcaster is the slice of the socket hub the engine talks to.
type Broadcaster interface {
	Broadcast(workspaceID string, out event.Outbound, exclude string) int
	BroadcastLocal(workspaceID string, out event.Outbound, exclude string) int
	SendTo(clientID, workspaceID string, out event.Outbound) error
	RoomSize(workspaceID string) int
}

// SnapshotScheduler is told whenever a workspace changed.
type SnapshotScheduler interface {
	ScheduleSnapshot(workspaceID string)
	Pending(workspaceID string) bool
}

type Config struct {
	// Replica prefixes every replica ID this process edits under.
	Replica       string
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// RetryBudget is how many integration rounds a buffered operation
	// may wait through before it is dropped.
	RetryBudget   int
	PendingMaxAge time.Duration
	PendingLimit  int
	// MaxInsertRunes bounds the characters a single insert may carry.
	MaxInsertRunes int
}

func (c *Config) defaults() {
	if c.Replica == "" {
		c.Replica = "srv-" + uuid.NewString()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 64
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 30 * time.Second
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 1024
	}
	if c.MaxInsertRunes <= 0 {
		c.MaxInsertRunes = 64 << 10
	}
}

// Engine keeps the replicated documents of every active workspace and
// fans integrated operations out to the workspace room.
type Engine struct {
	cfg      Config
	registry *Registry
	hub      Broadcaster
	clock    clock.Clock

	mu        sync.RWMutex
	scheduler SnapshotScheduler
}

func NewEngine(hub Broadcaster, loader LoaderFunc, c clock.Clock, cfg Config) *Engine {
	cfg.defaults()
	if c == nil {
		c = clock.Real()
	}
	return &Engine{
		cfg:      cfg,
		registry: NewRegistry(loader, c, cfg.Replica),
		hub:      hub,
		clock:    c,
	}
}

// SetScheduler attaches the snapshot scheduler. Call before serving.
func (e *Engine) SetScheduler(s SnapshotScheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = s
}

func (e *Engine) Replica() string { return e.cfg.Replica }

func (e *Engine) Registry() *Registry { return e.registry }

// ValidatePath accepts clean relative slash-separated paths.
func ValidatePath(p string) error {
	switch {
	case p == "", len(p) > maxPathLength:
		return apperr.New(apperr.ErrInvalid, "invalid document path")
	case strings.HasPrefix(p, "/"), strings.Contains(p, "\\"):
		return apperr.New(apperr.ErrInvalid, "document path must be relative")
	case path.Clean(p) != p, p == ".", strings.HasPrefix(p, "../"), p == "..":
		return apperr.New(apperr.ErrInvalid, "document path is not clean")
	}
	return nil
}

// ApplyLocalEdit integrates an operation sent by a connected client and
// broadcasts it to the rest of the room. An operation whose
// dependencies have not arrived yet is buffered and reports false. The
// first connection to insert under a replica ID owns it until it
// leaves the workspace; inserts from any other connection under that
// replica are refused and the sender is told to resync.
func (e *Engine) ApplyLocalEdit(ctx context.Context, workspaceID, docPath string, op crdt.Operation, fromClientID, authorID string) (bool, error) {
	if op.Kind == crdt.KindInsert && e.reserved(op.ID.Replica) {
		return false, apperr.New(apperr.ErrInvalid, "replica id is reserved")
	}
	return e.integrate(ctx, workspaceID, docPath, &pendingOp{op: op, from: fromClientID, author: authorID})
}

// ReleaseClient frees the replica IDs a connection owned in a
// workspace.
func (e *Engine) ReleaseClient(workspaceID, clientID string) {
	if ws, ok := e.registry.lookup(workspaceID); ok {
		ws.release(clientID)
	}
}

// ReceiveRemoteOperation integrates an operation relayed from another
// instance and delivers it to every local member.
func (e *Engine) ReceiveRemoteOperation(ctx context.Context, workspaceID, docPath string, op crdt.Operation, authorID string) (bool, error) {
	return e.integrate(ctx, workspaceID, docPath, &pendingOp{op: op, author: authorID, remote: true})
}

func (e *Engine) reserved(replica string) bool {
	return strings.HasPrefix(replica, seedPrefix) || strings.HasPrefix(replica, e.cfg.Replica)
}

func (e *Engine) integrate(ctx context.Context, workspaceID, docPath string, p *pendingOp) (bool, error) {
	if err := ValidatePath(docPath); err != nil {
		return false, err
	}
	if err := p.op.Validate(); err != nil {
		return false, apperr.Wrap(apperr.ErrInvalid, "operation rejected", err)
	}
	if p.op.Len() > e.cfg.MaxInsertRunes {
		return false, apperr.New(apperr.ErrInvalid, fmt.Sprintf("operation carries more than %d characters", e.cfg.MaxInsertRunes))
	}
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return false, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	if !p.remote && p.from != "" && p.op.Kind == crdt.KindInsert && !ws.claim(p.op.ID.Replica, p.from) {
		e.reportDropped(workspaceID, docPath, []*pendingOp{p})
		return false, apperr.New(apperr.ErrInvalid, "replica id belongs to another connection")
	}
	d := ws.document(docPath)

	d.mu.Lock()
	changed, err := d.doc.Apply(p.op)
	var applied, dropped []*pendingOp
	switch {
	case errors.Is(err, crdt.ErrMissingDependency):
		if len(d.pending) >= e.cfg.PendingLimit {
			dropped = append(dropped, p)
		} else {
			p.queuedAt = e.clock.Now()
			d.pending = append(d.pending, p)
		}
	case errors.Is(err, crdt.ErrConflict):
		dropped = append(dropped, p)
	case err != nil:
		d.mu.Unlock()
		return false, apperr.Wrap(apperr.ErrInvalid, "operation rejected", err)
	case changed:
		applied = append(applied, p)
		applied, dropped = e.drainLocked(d, applied, dropped)
		e.fanOutLocked(workspaceID, docPath, applied)
	}
	d.mu.Unlock()

	e.reportDropped(workspaceID, docPath, dropped)
	if len(applied) > 0 {
		e.schedule(workspaceID)
	}
	return len(applied) > 0 && applied[0] == p, nil
}

// drainLocked retries buffered operations until a full pass makes no
// progress. Operations still waiting after that pass use up one attempt.
func (e *Engine) drainLocked(d *document, applied, dropped []*pendingOp) ([]*pendingOp, []*pendingOp) {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		waiting := make([]*pendingOp, 0, len(d.pending))
		for _, q := range d.pending {
			changed, err := d.doc.Apply(q.op)
			switch {
			case errors.Is(err, crdt.ErrMissingDependency):
				waiting = append(waiting, q)
			case err != nil:
				dropped = append(dropped, q)
			case changed:
				applied = append(applied, q)
				progress = true
			}
		}
		d.pending = waiting
	}

	now := e.clock.Now()
	waiting := d.pending[:0]
	for _, q := range d.pending {
		q.attempts++
		if q.attempts > e.cfg.RetryBudget || now.Sub(q.queuedAt) > e.cfg.PendingMaxAge {
			dropped = append(dropped, q)
			continue
		}
		waiting = append(waiting, q)
	}
	d.pending = waiting
	return applied, dropped
}

// fanOutLocked broadcasts while the document lock is held so peers see
// operations in integration order.
func (e *Engine) fanOutLocked(workspaceID, docPath string, applied []*pendingOp) {
	if e.hub == nil {
		return
	}
	for _, p := range applied {
		out := &event.DocOpBroadcast{Path: docPath, Op: p.op, Author: p.author}
		if p.remote {
			e.hub.BroadcastLocal(workspaceID, out, "")
		} else {
			e.hub.Broadcast(workspaceID, out, p.from)
		}
	}
}

func (e *Engine) reportDropped(workspaceID, docPath string, dropped []*pendingOp) {
	for _, p := range dropped {
		logger.Log.Warn("MergeIntegrityWarning",
			zap.String("workspace_id", workspaceID),
			zap.String("path", docPath),
			zap.String("op", p.op.ID.String()),
			zap.String("kind", string(p.op.Kind)),
			zap.Int("attempts", p.attempts),
			zap.Bool("remote", p.remote),
			zap.Error(apperr.ErrMergeIntegrity),
		)
		if p.from == "" || e.hub == nil {
			continue
		}
		err := e.hub.SendTo(p.from, workspaceID, &event.ResyncRequired{Path: docPath, Reason: apperr.Code(apperr.ErrMergeIntegrity)})
		if err != nil {
			logger.Sugar.Debugf("Resync notice to %s not delivered: %v", p.from, err)
		}
	}
}

func (e *Engine) schedule(workspaceID string) {
	e.mu.RLock()
	s := e.scheduler
	e.mu.RUnlock()
	if s != nil {
		s.ScheduleSnapshot(workspaceID)
	}
}

// InsertAt makes a server-originated insert at a visible offset.
func (e *Engine) InsertAt(ctx context.Context, workspaceID, docPath string, offset int, text, authorID string) (crdt.Operation, error) {
	return e.localEdit(ctx, workspaceID, docPath, authorID, func(doc *crdt.Doc) (crdt.Operation, error) {
		return doc.Insert(offset, text)
	})
}

// DeleteRange makes a server-originated delete of length visible
// characters.
func (e *Engine) DeleteRange(ctx context.Context, workspaceID, docPath string, offset, length int, authorID string) (crdt.Operation, error) {
	return e.localEdit(ctx, workspaceID, docPath, authorID, func(doc *crdt.Doc) (crdt.Operation, error) {
		return doc.Delete(offset, length)
	})
}

func (e *Engine) localEdit(ctx context.Context, workspaceID, docPath, authorID string, edit func(*crdt.Doc) (crdt.Operation, error)) (crdt.Operation, error) {
	if err := ValidatePath(docPath); err != nil {
		return crdt.Operation{}, err
	}
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return crdt.Operation{}, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	d := ws.document(docPath)

	d.mu.Lock()
	op, err := edit(d.doc)
	if err != nil {
		d.mu.Unlock()
		return crdt.Operation{}, apperr.Wrap(apperr.ErrInvalid, "edit rejected", err)
	}
	e.fanOutLocked(workspaceID, docPath, []*pendingOp{{op: op, author: authorID}})
	d.mu.Unlock()

	e.schedule(workspaceID)
	return op, nil
}

// CurrentText returns the visible text of a document.
func (e *Engine) CurrentText(ctx context.Context, workspaceID, docPath string) (string, error) {
	d, err := e.existing(ctx, workspaceID, docPath)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Text(), nil
}

// State returns everything a client needs to rebuild the document. A
// path nobody has written yet yields an empty state.
func (e *Engine) State(ctx context.Context, workspaceID, docPath string) (model.State, error) {
	d, err := e.existing(ctx, workspaceID, docPath)
	if errors.Is(err, apperr.ErrNotFound) {
		return model.State{Path: docPath, Items: []crdt.Item{}, Version: map[string]uint64{}}, nil
	}
	if err != nil {
		return model.State{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return model.State{Path: docPath, Text: d.doc.Text(), Items: d.doc.Items(), Version: d.doc.Version()}, nil
}

func (e *Engine) existing(ctx context.Context, workspaceID, docPath string) (*document, error) {
	if err := ValidatePath(docPath); err != nil {
		return nil, err
	}
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	d, ok := ws.lookup(docPath)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, "document not found")
	}
	return d, nil
}

// Files materializes every document of the workspace as path -> text.
func (e *Engine) Files(ctx context.Context, workspaceID string) (map[string]string, error) {
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	files := make(map[string]string)
	for _, d := range ws.documents() {
		d.mu.Lock()
		files[d.path] = d.doc.Text()
		d.mu.Unlock()
	}
	return files, nil
}

// Paths lists the document paths of the workspace, sorted.
func (e *Engine) Paths(ctx context.Context, workspaceID string) ([]string, error) {
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	docs := ws.documents()
	paths := make([]string, len(docs))
	for i, d := range docs {
		paths[i] = d.path
	}
	return paths, nil
}

func (e *Engine) Documents(ctx context.Context, workspaceID string) ([]model.DocumentInfo, error) {
	ws, err := e.registry.acquire(ctx, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrPersistenceFailed, "failed to load workspace", err)
	}
	docs := ws.documents()
	infos := make([]model.DocumentInfo, len(docs))
	for i, d := range docs {
		d.mu.Lock()
		infos[i] = model.DocumentInfo{Path: d.path, Length: d.doc.Len(), Version: d.doc.Version()}
		d.mu.Unlock()
	}
	return infos, nil
}

// Resolve maps a character ID to its current position.
func (e *Engine) Resolve(ctx context.Context, workspaceID, docPath string, id crdt.ID) (model.Position, bool) {
	d, err := e.existing(ctx, workspaceID, docPath)
	if err != nil {
		return model.Position{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	offset, ok := d.doc.Offset(id)
	if !ok {
		return model.Position{}, false
	}
	line, column := LineColumn(d.doc.Text(), offset)
	return model.Position{Offset: offset, Line: line, Column: column}, true
}

// Anchor returns the ID of the visible character at offset.
func (e *Engine) Anchor(ctx context.Context, workspaceID, docPath string, offset int) (crdt.ID, bool) {
	d, err := e.existing(ctx, workspaceID, docPath)
	if err != nil {
		return crdt.ID{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.IDAt(offset)
}

// LineColumn converts a rune offset into a 1-based line and column.
func LineColumn(text string, offset int) (int, int) {
	line, column := 1, 1
	i := 0
	for _, r := range text {
		if i == offset {
			break
		}
		if r == '\n' {
			line++
			column = 1
		} else {
			column++
		}
		i++
	}
	return line, column
}

// PendingCount returns how many operations wait for dependencies.
func (e *Engine) PendingCount(workspaceID, docPath string) int {
	ws, ok := e.registry.lookup(workspaceID)
	if !ok {
		return 0
	}
	d, ok := ws.lookup(docPath)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run sweeps stale buffered operations and idle workspaces until ctx
// is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep drops buffered operations older than the pending age limit and
// evicts idle workspaces nobody is connected to.
func (e *Engine) Sweep() {
	now := e.clock.Now()
	for _, ws := range e.registry.all() {
		for _, d := range ws.documents() {
			d.mu.Lock()
			var dropped []*pendingOp
			waiting := d.pending[:0]
			for _, q := range d.pending {
				if now.Sub(q.queuedAt) > e.cfg.PendingMaxAge {
					dropped = append(dropped, q)
					continue
				}
				waiting = append(waiting, q)
			}
			d.pending = waiting
			d.mu.Unlock()
			e.reportDropped(ws.id, d.path, dropped)
		}
	}

	evicted := e.registry.Evict(e.cfg.IdleTimeout, e.retain)
	if len(evicted) > 0 {
		logger.Sugar.Infof("Evicted %d idle workspaces: %s", len(evicted), strings.Join(evicted, ", "))
	}
}

func (e *Engine) retain(workspaceID string) bool {
	if e.hub != nil && e.hub.RoomSize(workspaceID) > 0 {
		return true
	}
	e.mu.RLock()
	s := e.scheduler
	e.mu.RUnlock()
	return s != nil && s.Pending(workspaceID)
}

// Workspaces lists cached workspace IDs, sorted.
func (e *Engine) Workspaces() []string {
	all := e.registry.all()
	ids := make([]string, len(all))
	for i, ws := range all {
		ids[i] = ws.id
	}
	sort.Strings(ids)
	return ids
}

// Loaded reports whether the workspace's documents are in memory.
func (e *Engine) Loaded(workspaceID string) bool {
	_, ok := e.registry.lookup(workspaceID)
	return ok
}
