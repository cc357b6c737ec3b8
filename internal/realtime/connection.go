package realtime

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

const defaultSendBuffer = 64

// Connection is the registry-side state of one authenticated client. The
// transport drains Outbound and stops once Done is closed.
type Connection struct {
	id       string
	identity Identity
	send     chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	rooms   map[RoomKey]struct{}
	removed bool
}

// NewConnection allocates a connection with a fresh id and a bounded outbound queue.
func NewConnection(identity Identity, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Connection{
		id:       uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[RoomKey]struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Identity() Identity {
	return c.identity
}

// Outbound yields encoded frames queued for the client. It is never closed;
// select on Done as well.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been told to shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close signals the transport to stop. Safe to call repeatedly.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Context snapshots the identity and joined rooms for a single handler call.
func (c *Connection) Context() ConnectionContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionContext{
		ConnectionID: c.id,
		Identity:     c.identity,
		JoinedRooms:  sortedRooms(c.rooms),
	}
}

// enqueue hands a frame to the write side. A full queue marks the client as a
// slow consumer and closes it.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Close()
		return false
	}
}

func sortedRooms(rooms map[RoomKey]struct{}) []RoomKey {
	keys := make([]RoomKey, 0, len(rooms))
	for key := range rooms {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
