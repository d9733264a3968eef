package chat

import (
	"fmt"
	"log"
	"strings"

	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/protocol"
)

// RoomCoordinator serializes room membership transitions. Each connection
// moves Unjoined -> InRoom -> Unjoined, or InRoom(A) -> InRoom(B) on a
// switch; never more than one room at a time.
type RoomCoordinator struct {
	cfg         *config.Config
	presence    *PresenceRegistry
	store       *MessageStore
	transport   Transport
	joinLimiter *RateLimiter
}

// NewRoomCoordinator wires the coordinator against its collaborators.
func NewRoomCoordinator(cfg *config.Config, presence *PresenceRegistry, store *MessageStore, transport Transport) *RoomCoordinator {
	return &RoomCoordinator{
		cfg:         cfg,
		presence:    presence,
		store:       store,
		transport:   transport,
		joinLimiter: NewRateLimiter(cfg.JoinRate.Max, cfg.JoinRate.Window),
	}
}

// JoinLimiter exposes the join limiter for periodic sweeping.
func (c *RoomCoordinator) JoinLimiter() *RateLimiter { return c.joinLimiter }

// HandleJoin validates and performs a join or room switch. The join
// confirmation reaches the requester before anyone else hears about it, so
// the joining client's room transition never races a broadcast about itself.
func (c *RoomCoordinator) HandleJoin(connID string, req protocol.JoinRequest) {
	room := strings.TrimSpace(req.Room)
	username := strings.TrimSpace(req.Username)

	if room == "" || username == "" {
		c.joinError(connID, "Username and room are required")
		return
	}
	if len(room) > c.cfg.MaxRoomNameLength {
		c.joinError(connID, fmt.Sprintf("Room name must be at most %d characters", c.cfg.MaxRoomNameLength))
		return
	}
	if len(username) > c.cfg.MaxUsernameLength {
		c.joinError(connID, fmt.Sprintf("Username must be at most %d characters", c.cfg.MaxUsernameLength))
		return
	}
	if c.presence.Room(connID) == room {
		c.joinError(connID, "You are already in this room")
		return
	}
	if !c.joinLimiter.Allow(connID) {
		c.joinError(connID, "You are joining rooms too quickly. Please slow down.")
		return
	}

	res, err := c.presence.SwitchRoom(connID, room, username)

	// The previous room sees the departure regardless of whether the new
	// join succeeded.
	if res.PrevRoom != "" {
		c.announceLeft(res.PrevRoom, res.PrevName, res.PrevEmpty)
	}

	if err != nil {
		c.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventUsernameTaken, username))
		return
	}

	history := c.store.Recent(room, c.cfg.MaxMessageHistory)
	c.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventJoined, map[string]any{
		"room":           room,
		"username":       res.Username,
		"messageHistory": history,
	}))

	if req.WantsBroadcast() {
		c.transport.Broadcast(room, connID, protocol.NewServerEvent(protocol.EventUserJoined, map[string]any{
			"room":     room,
			"username": res.Username,
		}))
	}

	c.BroadcastUserCount(room)
	log.Printf("User %s (%s) joined room %s", res.Username, connID, room)
}

// HandleLeave removes the connection from room. Leaving a room the
// connection is not in is a silent no-op; no second broadcast, no error.
func (c *RoomCoordinator) HandleLeave(connID, room string) {
	if c.presence.Room(connID) != room {
		return
	}
	username := c.presence.Username(connID)
	_, empty := c.presence.Leave(connID, room)
	c.announceLeft(room, username, empty)
	log.Printf("User %s (%s) left room %s", username, connID, room)
}

// HandleDisconnect tears down whatever room the connection occupied. Always
// succeeds; safe to call repeatedly.
func (c *RoomCoordinator) HandleDisconnect(connID string) {
	room, username, empty := c.presence.Disconnect(connID)
	c.joinLimiter.Forget(connID)
	if room == "" {
		return
	}
	c.announceLeft(room, username, empty)
	log.Printf("User %s (%s) disconnected from room %s", username, connID, room)
}

// BroadcastUserCount pushes the room's member counts to its members.
func (c *RoomCoordinator) BroadcastUserCount(room string) {
	snap := c.presence.Snapshot(room)
	if snap.MemberCount == 0 {
		return
	}
	c.transport.Broadcast(room, "", protocol.NewServerEvent(protocol.EventUserCount, map[string]any{
		"total":  snap.MemberCount,
		"active": snap.ActiveCount,
		"room":   room,
	}))
}

func (c *RoomCoordinator) announceLeft(room, username string, empty bool) {
	if empty {
		// History may outlive the room; settle the snapshot now.
		c.store.Flush(room)
		return
	}
	if username != "" {
		c.transport.Broadcast(room, "", protocol.NewServerEvent(protocol.EventReceive,
			fmt.Sprintf("Server: %s left the chat", username)))
	}
	c.BroadcastUserCount(room)
}

func (c *RoomCoordinator) joinError(connID, reason string) {
	c.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventJoinError, reason))
}
