package socket

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"collabspace/internal/event"
	"collabspace/pkg/apperr"
	"collabspace/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Observer is told about membership changes after the registry lock is
// released.
type Observer interface {
	MemberJoined(workspaceID string, c *Client)
	MemberLeft(workspaceID string, c *Client)
}

// Publisher forwards room fan-out to other instances.
type Publisher interface {
	Publish(workspaceID string, kind event.Kind, frame []byte)
}

// Handler processes one decoded frame from a client. It is called from
// the client's read loop, one frame at a time.
type Handler interface {
	HandleEvent(ctx context.Context, c *Client, env event.Envelope)
}

type Config struct {
	SendBuffer   int
	MessageRate  float64
	MessageBurst int
}

type Client struct {
	ID     string
	UserID string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte

	rooms    map[string]bool // guarded by Hub.mu
	evicting atomic.Bool
	limiter  *rate.Limiter
}

// Hub owns every connection and room. A room exists while it has at
// least one member.
type Hub struct {
	Rooms   map[string]map[*Client]bool
	clients map[string]*Client
	mu      sync.RWMutex

	evict     chan *Client
	observer  Observer
	publisher Publisher
	cfg       Config
}

func NewHub(cfg Config) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 50
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 100
	}
	return &Hub{
		Rooms:   make(map[string]map[*Client]bool),
		clients: make(map[string]*Client),
		evict:   make(chan *Client, 256),
		cfg:     cfg,
	}
}

// SetObserver attaches the membership observer. Call before serving.
func (h *Hub) SetObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = o
}

// SetPublisher attaches the cross-instance publisher. Call before
// serving.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// Run disconnects clients evicted for falling behind until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.evict:
			h.Disconnect(client.ID)
		}
	}
}

// Connect registers a new client for userID. An empty userID is an
// unauthenticated client that may not join rooms.
func (h *Hub) Connect(userID string) *Client {
	client := &Client{
		ID:      uuid.NewString(),
		UserID:  userID,
		Hub:     h,
		Send:    make(chan []byte, h.cfg.SendBuffer),
		rooms:   make(map[string]bool),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
	}
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	return client
}

// Join adds the client to the workspace room. Joining twice is a no-op
// and reports false.
func (h *Hub) Join(clientID, workspaceID string) (bool, error) {
	if workspaceID == "" {
		return false, apperr.New(apperr.ErrInvalid, "workspace id is required")
	}

	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return false, apperr.New(apperr.ErrTransportLost, "connection is gone")
	}
	if client.UserID == "" {
		h.mu.Unlock()
		return false, apperr.New(apperr.ErrUnauthorized, "connection is not authenticated")
	}
	if client.rooms[workspaceID] {
		h.mu.Unlock()
		return false, nil
	}
	if h.Rooms[workspaceID] == nil {
		h.Rooms[workspaceID] = make(map[*Client]bool)
	}
	h.Rooms[workspaceID][client] = true
	client.rooms[workspaceID] = true
	observer := h.observer
	h.mu.Unlock()

	if observer != nil {
		observer.MemberJoined(workspaceID, client)
	}
	return true, nil
}

// Leave removes the client from the workspace room. It reports whether
// the client was a member.
func (h *Hub) Leave(clientID, workspaceID string) bool {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok || !client.rooms[workspaceID] {
		h.mu.Unlock()
		return false
	}
	h.removeLocked(client, workspaceID)
	observer := h.observer
	h.mu.Unlock()

	if observer != nil {
		observer.MemberLeft(workspaceID, client)
	}
	return true
}

// Disconnect releases every membership of the client and closes its
// outbound queue. It returns the rooms the client was in; a second call
// returns nil.
func (h *Hub) Disconnect(clientID string) []string {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.clients, clientID)
	rooms := make([]string, 0, len(client.rooms))
	for workspaceID := range client.rooms {
		rooms = append(rooms, workspaceID)
	}
	sort.Strings(rooms)
	for _, workspaceID := range rooms {
		h.removeLocked(client, workspaceID)
	}
	close(client.Send)
	observer := h.observer
	h.mu.Unlock()

	if observer != nil {
		for _, workspaceID := range rooms {
			observer.MemberLeft(workspaceID, client)
		}
	}
	return rooms
}

func (h *Hub) removeLocked(client *Client, workspaceID string) {
	delete(client.rooms, workspaceID)
	room := h.Rooms[workspaceID]
	delete(room, client)
	if len(room) == 0 {
		delete(h.Rooms, workspaceID)
		logger.Sugar.Debugf("Closed and cleaned up empty room: %s", workspaceID)
	}
}

// Broadcast sends out to every member of the room except the client
// named by exclude, and hands relayed kinds to the publisher. It
// returns the number of local recipients.
func (h *Hub) Broadcast(workspaceID string, out event.Outbound, exclude string) int {
	frame, err := event.Encode(workspaceID, out)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return 0
	}
	n := h.deliver(workspaceID, frame, exclude)

	h.mu.RLock()
	publisher := h.publisher
	h.mu.RUnlock()
	if publisher != nil && event.Relayed(out.Kind()) {
		publisher.Publish(workspaceID, out.Kind(), frame)
	}
	return n
}

// BroadcastLocal is Broadcast without the publisher, for events that
// arrived from another instance.
func (h *Hub) BroadcastLocal(workspaceID string, out event.Outbound, exclude string) int {
	frame, err := event.Encode(workspaceID, out)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
		return 0
	}
	return h.deliver(workspaceID, frame, exclude)
}

// Deliver fans an already encoded frame out to every local member.
func (h *Hub) Deliver(workspaceID string, frame []byte) int {
	return h.deliver(workspaceID, frame, "")
}

func (h *Hub) deliver(workspaceID string, frame []byte, exclude string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.Rooms[workspaceID] {
		if client.ID == exclude {
			continue
		}
		if h.enqueue(client, frame) {
			n++
		}
	}
	return n
}

// Send writes out directly to one client.
func (h *Hub) Send(clientID string, out event.Outbound) error {
	workspaceID := ""
	h.mu.RLock()
	client, ok := h.clients[clientID]
	if ok && len(client.rooms) == 1 {
		for id := range client.rooms {
			workspaceID = id
		}
	}
	h.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.ErrTransportLost, "connection is gone")
	}
	return h.SendTo(clientID, workspaceID, out)
}

// SendTo writes out directly to one client, tagged with workspaceID.
func (h *Hub) SendTo(clientID, workspaceID string, out event.Outbound) error {
	frame, err := event.Encode(workspaceID, out)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return apperr.New(apperr.ErrTransportLost, "connection is gone")
	}
	if !h.enqueue(client, frame) {
		return apperr.New(apperr.ErrTransportLost, "send buffer full")
	}
	return nil
}

// enqueue never blocks. A full queue marks the client for eviction.
// Callers hold h.mu for reading, which keeps Send open.
func (h *Hub) enqueue(client *Client, frame []byte) bool {
	if client.evicting.Load() {
		return false
	}
	select {
	case client.Send <- frame:
		return true
	default:
	}
	if client.evicting.CompareAndSwap(false, true) {
		logger.Sugar.Warnf("Client %s (user %s) send buffer is full. Disconnecting.", client.ID, client.UserID)
		select {
		case h.evict <- client:
		default:
			go h.Disconnect(client.ID)
		}
	}
	return false
}

// RoomSize returns the number of clients in the room.
func (h *Hub) RoomSize(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Rooms[workspaceID])
}

// Members returns the client IDs in the room, sorted.
func (h *Hub) Members(workspaceID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.Rooms[workspaceID]))
	for client := range h.Rooms[workspaceID] {
		ids = append(ids, client.ID)
	}
	sort.Strings(ids)
	return ids
}

// UserPresent reports whether any client of userID is in the room.
func (h *Hub) UserPresent(workspaceID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.Rooms[workspaceID] {
		if client.UserID == userID {
			return true
		}
	}
	return false
}

// UserConnections counts the clients of userID in the room.
func (h *Hub) UserConnections(workspaceID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.Rooms[workspaceID] {
		if client.UserID == userID {
			n++
		}
	}
	return n
}

// RoomsOf returns the rooms the client is in, sorted.
func (h *Hub) RoomsOf(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(client.rooms))
	for workspaceID := range client.rooms {
		rooms = append(rooms, workspaceID)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) InRoom(clientID, workspaceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	return ok && client.rooms[workspaceID]
}

func (h *Hub) ActiveRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.Rooms))
	for workspaceID := range h.Rooms {
		rooms = append(rooms, workspaceID)
	}
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Rooms)
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
