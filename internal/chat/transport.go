package chat

import (
	"time"

	"github.com/iconvo/relay/internal/protocol"
)

// Transport is the delivery capability the core fans out over. The hub
// implements it on top of WebSocket connections; tests implement it with a
// recorder. Delivery is best-effort: a connection that disappears
// mid-broadcast simply misses that event.
type Transport interface {
	// SendTo delivers an event to a single connection.
	SendTo(connID string, event protocol.ServerEvent)
	// Broadcast delivers an event to every member of room, optionally
	// excluding one connection id.
	Broadcast(room, excludeConnID string, event protocol.ServerEvent)
}

// ScheduleFunc schedules fn to run on the event loop after d, returning a
// cancel function. Scheduled work must re-enter the loop rather than touch
// core state directly.
type ScheduleFunc func(d time.Duration, fn func()) (cancel func())
