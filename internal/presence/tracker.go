// Package presence tracks who is in a workspace, whether they are
// typing and where their cursor is. Nothing here is persisted.
package presence

import (
	"sort"
	"sync"
	"time"
	"unicode/utf16"

	"collabspace/internal/clock"
	"collabspace/internal/debounce"
	"collabspace/internal/event"
	"collabspace/socket"
)

// DefaultTypingTimeout is how long a typing indicator lasts without a
// fresh keystroke.
const DefaultTypingTimeout = 3 * time.Second

var palette = []string{"#ef4444", "#f59e0b", "#10b981", "#3b82f6", "#8b5cf6", "#ec4899"}

// Color picks a stable palette color for userID. Clients compute the
// same hash over UTF-16 code units, so both sides agree.
func Color(userID string) string {
	var hash int64
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = int64(unit) + int64(int32(hash)<<5) - hash
	}
	if hash < 0 {
		hash = -hash
	}
	return palette[hash%int64(len(palette))]
}

type typist struct {
	workspaceID string
	userID      string
	clientID    string
}

type Tracker struct {
	hub    *socket.Hub
	clock  clock.Clock
	typing *debounce.Group

	mu      sync.Mutex
	entries map[string]map[string]*event.PresenceEntry
	typists map[string]typist
}

func NewTracker(hub *socket.Hub, c clock.Clock, typingTimeout time.Duration) *Tracker {
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	t := &Tracker{
		hub:     hub,
		clock:   c,
		entries: make(map[string]map[string]*event.PresenceEntry),
		typists: make(map[string]typist),
	}
	t.typing = debounce.New(c, typingTimeout, t.expire)
	return t
}

func typingKey(workspaceID, userID string) string {
	return workspaceID + "\x00" + userID
}

// entryLocked returns the entry for (workspaceID, userID), creating it.
func (t *Tracker) entryLocked(workspaceID, userID string) *event.PresenceEntry {
	users := t.entries[workspaceID]
	if users == nil {
		users = make(map[string]*event.PresenceEntry)
		t.entries[workspaceID] = users
	}
	entry := users[userID]
	if entry == nil {
		entry = &event.PresenceEntry{UserID: userID, Color: Color(userID)}
		users[userID] = entry
	}
	entry.UpdatedAt = t.clock.Now()
	return entry
}

// Ensure records the user as present without broadcasting.
func (t *Tracker) Ensure(workspaceID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryLocked(workspaceID, userID)
}

// SetTyping updates the typing flag. A true value (re)arms the expiry
// timer; peers hear about transitions only. The timer is armed and the
// transition broadcast under t.mu so an expiry cannot slip in between.
func (t *Tracker) SetTyping(workspaceID, userID string, isTyping bool, excludeClientID string) {
	key := typingKey(workspaceID, userID)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, wasTyping := t.typists[key]
	entry := t.entryLocked(workspaceID, userID)
	entry.IsTyping = isTyping
	if isTyping {
		t.typists[key] = typist{workspaceID: workspaceID, userID: userID, clientID: excludeClientID}
		t.typing.Reset(key)
	} else {
		delete(t.typists, key)
		t.typing.Cancel(key)
	}
	if isTyping != wasTyping {
		t.hub.Broadcast(workspaceID, &event.UserTypingState{UserID: userID, IsTyping: isTyping}, excludeClientID)
	}
}

// expire runs when a typing timer fires. A timer re-armed since it
// fired is still pending, so the stale expiry is ignored.
func (t *Tracker) expire(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.typing.Pending(key) {
		return
	}
	ty, ok := t.typists[key]
	if !ok {
		return
	}
	delete(t.typists, key)
	if entry := t.entries[ty.workspaceID][ty.userID]; entry != nil {
		entry.IsTyping = false
	}
	t.hub.Broadcast(ty.workspaceID, &event.UserTypingState{UserID: ty.userID, IsTyping: false}, ty.clientID)
}

// IsTyping reports whether the user currently has a live typing flag.
func (t *Tracker) IsTyping(workspaceID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typists[typingKey(workspaceID, userID)]
	return ok
}

// SetCursor replaces the user's cursor; nil clears it.
func (t *Tracker) SetCursor(workspaceID, userID string, cursor *event.Cursor, excludeClientID string) {
	t.mu.Lock()
	entry := t.entryLocked(workspaceID, userID)
	if cursor != nil {
		c := *cursor
		cursor = &c
	}
	entry.Cursor = cursor
	entries := t.snapshotLocked(workspaceID)
	t.mu.Unlock()

	t.hub.Broadcast(workspaceID, &event.Presence{Entries: entries}, excludeClientID)
}

// SetProfile sets the display name and avatar.
func (t *Tracker) SetProfile(workspaceID, userID, name, avatar, excludeClientID string) {
	t.mu.Lock()
	entry := t.entryLocked(workspaceID, userID)
	entry.Name = name
	entry.Avatar = avatar
	entries := t.snapshotLocked(workspaceID)
	t.mu.Unlock()

	t.hub.Broadcast(workspaceID, &event.Presence{Entries: entries}, excludeClientID)
}

// Get returns the entries of a workspace sorted by user ID.
func (t *Tracker) Get(workspaceID string) []event.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(workspaceID)
}

func (t *Tracker) snapshotLocked(workspaceID string) []event.PresenceEntry {
	users := t.entries[workspaceID]
	out := make([]event.PresenceEntry, 0, len(users))
	for _, entry := range users {
		e := *entry
		if e.Cursor != nil {
			c := *e.Cursor
			e.Cursor = &c
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clear removes the user's entry and tells the room. A pending typing
// timer is left running so peers still get exactly one isTyping=false.
func (t *Tracker) Clear(workspaceID, userID string) {
	t.mu.Lock()
	users := t.entries[workspaceID]
	if _, ok := users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, workspaceID)
	}
	entries := t.snapshotLocked(workspaceID)
	t.mu.Unlock()

	t.hub.Broadcast(workspaceID, &event.Presence{Entries: entries}, "")
}

// Close stops every pending typing timer.
func (t *Tracker) Close() {
	t.typing.Stop()
}
