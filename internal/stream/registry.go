// Package stream tracks live client connections for real-time delivery.
package stream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// eventBuffer is the per-connection queue depth. Delivery is best-effort;
// a client that cannot drain this many frames loses the excess and
// reconciles through the durable log.
const eventBuffer = 8

// Conn is one live delivery target. The registry owns the channel: it is
// closed exactly once, either when the connection unregisters or when a
// newer connection for the same user supersedes it.
type Conn struct {
	userID uuid.UUID
	events chan []byte
}

// UserID returns the user this connection belongs to.
func (c *Conn) UserID() uuid.UUID {
	return c.userID
}

// Events returns the frames queued for this connection. The channel is
// closed when the connection has been superseded or unregistered; receivers
// must stop on a closed channel without unregistering.
func (c *Conn) Events() <-chan []byte {
	return c.events
}

// Registry is the process-wide map of user -> live connection. At most one
// connection is retained per user; a new connection replaces the previous
// one (last-connection-wins). It is shared between the HTTP layer, which
// manages connection lifecycle, and the dispatcher, which sends.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Conn
	logger *zap.Logger
}

// NewRegistry creates an empty connection registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Conn),
		logger: logger,
	}
}

// Register creates and stores a connection for the user, replacing any
// existing one. The superseded connection's channel is closed so its handler
// loop exits immediately instead of waiting for a failed write.
func (r *Registry) Register(userID uuid.UUID) *Conn {
	conn := &Conn{
		userID: userID,
		events: make(chan []byte, eventBuffer),
	}

	r.mu.Lock()
	if old, ok := r.conns[userID]; ok {
		close(old.events)
		r.logger.Info("live connection superseded",
			zap.String("user_id", userID.String()),
		)
	}
	r.conns[userID] = conn
	r.mu.Unlock()

	r.logger.Info("live connection registered",
		zap.String("user_id", userID.String()),
	)

	return conn
}

// Unregister removes the connection's entry and closes its channel, but only
// while it still owns the entry: a superseded connection tearing itself down
// must not evict its replacement. Safe to call from any teardown path; the
// ownership check makes double cleanup a no-op.
func (r *Registry) Unregister(userID uuid.UUID, conn *Conn) {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if ok && current == conn {
		delete(r.conns, userID)
		close(conn.events)
	}
	r.mu.Unlock()

	if ok && current == conn {
		r.logger.Info("live connection unregistered",
			zap.String("user_id", userID.String()),
		)
	}
}

// Send queues a frame for the user's live connection. Best-effort and
// fire-and-forget: when no connection is registered, or the connection's
// buffer is full, the frame is dropped and the durable notification log
// remains the record of truth. Returns whether the frame was queued.
func (r *Registry) Send(userID uuid.UUID, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	if !ok {
		return false
	}

	select {
	case conn.events <- payload:
		return true
	default:
		// Slow consumer; it will reconcile via list/unread-count.
		r.logger.Warn("live connection buffer full, frame dropped",
			zap.String("user_id", userID.String()),
		)
		return false
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
