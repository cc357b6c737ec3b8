package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var errDuplicateConnection = errors.New("realtime: connection already registered")

// ErrRegistryClosed is returned by Register once CloseAll has run.
var ErrRegistryClosed = errors.New("realtime: registry is closed")

type room struct {
	mu      sync.RWMutex
	members map[string]*Connection
	// retired is set under mu when the last member leaves; a joiner that
	// observes it must fetch a fresh room from the registry.
	retired bool
}

// Registry maps room keys to their member connections. Lock order is
// connection, then room, then registry.
type Registry struct {
	mu          sync.Mutex
	rooms       map[RoomKey]*room
	connections map[string]*Connection
	closed      bool
	logger      *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:       make(map[RoomKey]*room),
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// Register makes the connection known to the registry. It joins no rooms.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrUnknownConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.connections[conn.ID()]; exists {
		return fmt.Errorf("%w: %s", errDuplicateConnection, conn.ID())
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Join adds the connection to the room. It reports whether membership changed;
// joining a room twice is a no-op.
func (r *Registry) Join(connectionID string, key RoomKey) (bool, error) {
	conn := r.connection(connectionID)
	if conn == nil {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.removed {
		return false, ErrUnknownConnection
	}
	if _, joined := conn.rooms[key]; joined {
		return false, nil
	}

	for {
		target := r.roomFor(key)
		target.mu.Lock()
		if target.retired {
			target.mu.Unlock()
			continue
		}
		target.members[conn.ID()] = conn
		target.mu.Unlock()
		break
	}
	conn.rooms[key] = struct{}{}
	return true, nil
}

// Leave removes the connection from the room. Leaving a room the connection is
// not in is a no-op.
func (r *Registry) Leave(connectionID string, key RoomKey) (bool, error) {
	conn := r.connection(connectionID)
	if conn == nil {
		return false, ErrUnknownConnection
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, joined := conn.rooms[key]; !joined {
		return false, nil
	}
	delete(conn.rooms, key)
	r.detach(conn.ID(), key)
	return true, nil
}

// Broadcast encodes the event once and queues it for every current member of
// the room, sender included. It returns how many connections accepted it.
func (r *Registry) Broadcast(key RoomKey, event OutboundEvent) (int, error) {
	frame, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("realtime: encode %s: %w", event.Type, err)
	}

	r.mu.Lock()
	target := r.rooms[key]
	r.mu.Unlock()
	if target == nil {
		return 0, nil
	}

	delivered := 0
	target.mu.RLock()
	defer target.mu.RUnlock()
	for connectionID, member := range target.members {
		if member.enqueue(frame) {
			delivered++
			continue
		}
		r.logger.Warn("dropping slow realtime consumer",
			zap.String("connection_id", connectionID),
			zap.String("room", key.String()))
	}
	return delivered, nil
}

// Send queues an event for a single connection.
func (r *Registry) Send(connectionID string, event OutboundEvent) error {
	conn := r.connection(connectionID)
	if conn == nil {
		return ErrUnknownConnection
	}
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", event.Type, err)
	}
	conn.enqueue(frame)
	return nil
}

// RemoveConnection drops the connection from every room it joined and closes
// it. Only the first call for a connection has any effect.
func (r *Registry) RemoveConnection(connectionID string) bool {
	r.mu.Lock()
	conn := r.connections[connectionID]
	delete(r.connections, connectionID)
	r.mu.Unlock()
	if conn == nil {
		return false
	}

	conn.mu.Lock()
	if conn.removed {
		conn.mu.Unlock()
		return false
	}
	conn.removed = true
	for key := range conn.rooms {
		r.detach(conn.ID(), key)
	}
	conn.rooms = make(map[RoomKey]struct{})
	conn.mu.Unlock()

	conn.Close()
	return true
}

// Rooms lists the rooms a connection has joined.
func (r *Registry) Rooms(connectionID string) []RoomKey {
	conn := r.connection(connectionID)
	if conn == nil {
		return nil
	}
	return conn.Context().JoinedRooms
}

// Members lists the connection ids currently in a room.
func (r *Registry) Members(key RoomKey) []string {
	r.mu.Lock()
	target := r.rooms[key]
	r.mu.Unlock()
	if target == nil {
		return nil
	}
	target.mu.RLock()
	ids := make([]string, 0, len(target.members))
	for id := range target.members {
		ids = append(ids, id)
	}
	target.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// CloseAll removes and closes every registered connection and refuses any
// later registration. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.RemoveConnection(id)
	}
}

func (r *Registry) connection(connectionID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections[connectionID]
}

func (r *Registry) roomFor(key RoomKey) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.rooms[key]
	if !ok {
		target = &room{members: make(map[string]*Connection)}
		r.rooms[key] = target
	}
	return target
}

// detach must be called with the connection lock held.
func (r *Registry) detach(connectionID string, key RoomKey) {
	r.mu.Lock()
	target := r.rooms[key]
	r.mu.Unlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	delete(target.members, connectionID)
	if len(target.members) > 0 {
		return
	}
	target.retired = true
	r.mu.Lock()
	if r.rooms[key] == target {
		delete(r.rooms, key)
	}
	r.mu.Unlock()
}
