package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/support-chat/internal/chat"
)

// Connection is one upgraded socket bound to an authenticated participant.
// A participant may hold several connections (browser tabs, devices).
type Connection struct {
	ID          string           // session ID (UUID)
	Participant chat.Participant // identity supplied by the upstream gateway
	Conn        net.Conn
	Fd          int       // file descriptor for epoll lookups
	CreatedAt   time.Time // when the connection was established
	lastSeen    atomic.Int64
	writeMu     sync.Mutex // serializes writes to this connection
	processing  int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the most recent inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// session ID, file descriptor and participant ID.
type ConnectionManager struct {
	mu            sync.RWMutex
	byID          map[string]*Connection            // session_id -> Connection
	byFd          map[int]*Connection               // fd -> Connection
	byParticipant map[string]map[string]*Connection // participant_id -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:          make(map[string]*Connection),
		byFd:          make(map[int]*Connection),
		byParticipant: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection in every index.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn

	pid := conn.Participant.ID
	if cm.byParticipant[pid] == nil {
		cm.byParticipant[pid] = make(map[string]*Connection)
	}
	cm.byParticipant[pid][conn.ID] = conn
}

// Remove drops a connection by session ID and closes it. Returns false if the
// connection was already gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		cm.unindex(conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// unindex must be called with mu held.
func (cm *ConnectionManager) unindex(conn *Connection) {
	delete(cm.byID, conn.ID)
	delete(cm.byFd, conn.Fd)
	pid := conn.Participant.ID
	if set := cm.byParticipant[pid]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(cm.byParticipant, pid)
		}
	}
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// ForParticipant returns a snapshot of the participant's connections.
func (cm *ConnectionManager) ForParticipant(participantID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	set := cm.byParticipant[participantID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// ParticipantCount returns how many distinct participants are connected.
func (cm *ConnectionManager) ParticipantCount() int {
	cm.mu.RLock()
	n := len(cm.byParticipant)
	cm.mu.RUnlock()
	return n
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
