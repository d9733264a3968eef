package chat

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/protocol"
)

// spamLookback is how many recent room messages the duplicate heuristic
// inspects, and spamThreshold how many identical bodies from the same author
// it tolerates among them.
const (
	spamLookback  = 5
	spamThreshold = 2
)

// MessageRouter validates, sanitizes, and fans out chat traffic: sends,
// edits, deletions, reactions, typing indicators, and unread counters.
type MessageRouter struct {
	cfg        *config.Config
	presence   *PresenceRegistry
	store      *MessageStore
	transport  Transport
	msgLimiter *RateLimiter

	// unread counts per connection id per room; purged on disconnect.
	unread map[string]map[string]int

	// typing-expiry cancel funcs per connection id; cancelled on teardown
	// so no timer ever fires against a stale connection.
	typingCancel map[string]func()
	schedule     ScheduleFunc

	now func() time.Time
}

// NewMessageRouter wires the router against its collaborators. schedule runs
// a callback on the event loop after a delay and must return a cancel func.
func NewMessageRouter(cfg *config.Config, presence *PresenceRegistry, store *MessageStore, transport Transport, schedule ScheduleFunc) *MessageRouter {
	return &MessageRouter{
		cfg:          cfg,
		presence:     presence,
		store:        store,
		transport:    transport,
		msgLimiter:   NewRateLimiter(cfg.MessageRate.Max, cfg.MessageRate.Window),
		unread:       make(map[string]map[string]int),
		typingCancel: make(map[string]func()),
		schedule:     schedule,
		now:          time.Now,
	}
}

// MessageLimiter exposes the message limiter for periodic sweeping.
func (r *MessageRouter) MessageLimiter() *RateLimiter { return r.msgLimiter }

// HandleSend validates and stores a chat message, bumps unread counters for
// the other members, and fans the stored message out to the room.
func (r *MessageRouter) HandleSend(connID, userID string, req protocol.SendRequest) {
	room := req.Room
	if room == "" {
		room = r.presence.Room(connID)
	}
	if room == "" || r.presence.Room(connID) != room {
		r.messageError(connID, "You must be in a room to send messages")
		return
	}
	username := r.presence.Username(connID)

	if !r.msgLimiter.Allow(connID) {
		r.messageError(connID, "You are sending messages too quickly. Please slow down.")
		return
	}

	body := SanitizeText(req.Message)
	if body == "" {
		r.messageError(connID, "Empty messages are not allowed")
		return
	}
	if len(body) > r.cfg.MaxMessageLength {
		r.messageError(connID, fmt.Sprintf("Messages must be at most %d characters", r.cfg.MaxMessageLength))
		return
	}
	if r.isDuplicateSpam(room, username, body) {
		r.messageError(connID, "Duplicate message detected. Please wait before repeating yourself.")
		return
	}

	msg := &protocol.Message{
		ID:        req.ID,
		Room:      room,
		Username:  username,
		UserID:    userID,
		Body:      body,
		Timestamp: r.now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if req.ReplyTo != "" {
		if original, err := r.store.Find(room, req.ReplyTo); err == nil {
			msg.ReplyTo = &protocol.ReplyRef{
				ID:        original.ID,
				Username:  original.Username,
				Body:      original.Body,
				Timestamp: original.Timestamp,
			}
		}
	}

	r.store.Append(room, msg)
	r.bumpUnread(room, connID)

	out := msg.Clone()
	r.transport.Broadcast(room, "", protocol.NewServerEvent(protocol.EventReceive, out))
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventMessageSent, out))
	log.Printf("Message from %s in %s (%s)", username, room, msg.ID)
}

// HandleTyping broadcasts a typing indicator to the rest of the room and
// arms the auto-expiry timer. An explicit stop cancels the timer and
// broadcasts immediately.
func (r *MessageRouter) HandleTyping(connID, room string, isTyping bool) {
	if room == "" {
		room = r.presence.Room(connID)
	}
	if room == "" || r.presence.Room(connID) != room {
		return
	}
	username := r.presence.Username(connID)

	r.cancelTypingTimer(connID)
	if !isTyping {
		r.broadcastStopTyping(connID, room, username)
		return
	}

	r.transport.Broadcast(room, connID, protocol.NewServerEvent(protocol.EventTyping, map[string]any{
		"room":     room,
		"username": username,
	}))

	if r.schedule != nil {
		r.typingCancel[connID] = r.schedule(r.cfg.TypingTimeout, func() {
			delete(r.typingCancel, connID)
			// The connection may have moved on before the timer fired.
			if r.presence.Room(connID) == room {
				r.broadcastStopTyping(connID, room, r.presence.Username(connID))
			}
		})
	}
}

// HandleReaction adds or removes an emoji reaction on a message and
// broadcasts the full updated reaction map. Adds are idempotent per reactor;
// removing an absent reaction is a no-op.
func (r *MessageRouter) HandleReaction(connID string, req protocol.ReactionRequest, add bool) {
	if req.Room == "" || r.presence.Room(connID) != req.Room {
		r.messageError(connID, "You must be in a room to react to messages")
		return
	}
	if req.MessageID == "" || req.Emoji == "" {
		r.messageError(connID, "Reaction requires a message and an emoji")
		return
	}
	reactor := r.presence.Username(connID)

	updated, err := r.store.MutateReactions(req.Room, req.MessageID, func(reactions map[string][]string) {
		users := reactions[req.Emoji]
		idx := -1
		for i, u := range users {
			if u == reactor {
				idx = i
				break
			}
		}
		if add {
			if idx < 0 {
				reactions[req.Emoji] = append(users, reactor)
			}
		} else if idx >= 0 {
			reactions[req.Emoji] = append(users[:idx], users[idx+1:]...)
		}
	})
	if err != nil {
		r.messageError(connID, "Message not found")
		return
	}

	event := protocol.EventReactionAdded
	if !add {
		event = protocol.EventReactionRemoved
	}
	r.transport.Broadcast(req.Room, "", protocol.NewServerEvent(event, map[string]any{
		"messageId": req.MessageID,
		"room":      req.Room,
		"emoji":     req.Emoji,
		"username":  reactor,
		"reactions": updated.Reactions,
	}))
}

// HandleEdit rewrites a message body in place and broadcasts the edit.
func (r *MessageRouter) HandleEdit(connID, userID string, req protocol.EditRequest) {
	if req.Room == "" || r.presence.Room(connID) != req.Room {
		r.messageError(connID, "You must be in a room to edit messages")
		return
	}
	body := SanitizeText(req.NewMessage)
	if body == "" {
		r.messageError(connID, "Empty messages are not allowed")
		return
	}
	if len(body) > r.cfg.MaxMessageLength {
		r.messageError(connID, fmt.Sprintf("Messages must be at most %d characters", r.cfg.MaxMessageLength))
		return
	}

	editor := Identity{UserID: userID, Username: r.presence.Username(connID)}
	updated, err := r.store.EditInPlace(req.Room, req.MessageID, body, editor)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			r.messageError(connID, "Message not found")
		case errors.Is(err, ErrNotOwner):
			r.messageError(connID, "You can only edit your own messages")
		case errors.Is(err, ErrTooOld):
			r.messageError(connID, "Messages can only be edited within 15 minutes")
		default:
			r.messageError(connID, "Unable to edit message")
		}
		return
	}

	r.transport.Broadcast(req.Room, "", protocol.NewServerEvent(protocol.EventMessageEdited, updated))
}

// HandleDelete removes a message for everyone (within the delete window) or
// echoes a client-local deletion back to the requester only.
func (r *MessageRouter) HandleDelete(connID, userID string, req protocol.DeleteRequest) {
	if req.Room == "" || r.presence.Room(connID) != req.Room {
		r.messageError(connID, "You must be in a room to delete messages")
		return
	}

	if req.DeleteFor == "me" {
		// Client-local: no shared-log mutation, no broadcast.
		r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventMessageDeleted, map[string]any{
			"messageId": req.MessageID,
			"room":      req.Room,
			"deleteFor": "me",
		}))
		return
	}

	requester := Identity{UserID: userID, Username: r.presence.Username(connID)}
	if err := r.store.DeleteForEveryone(req.Room, req.MessageID, requester); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			r.messageError(connID, "Message not found")
		case errors.Is(err, ErrNotOwner):
			r.messageError(connID, "You can only delete your own messages")
		case errors.Is(err, ErrTooOld):
			r.messageError(connID, "Messages can only be deleted within 1 hour")
		default:
			r.messageError(connID, "Unable to delete message")
		}
		return
	}

	r.transport.Broadcast(req.Room, "", protocol.NewServerEvent(protocol.EventMessageDeleted, map[string]any{
		"messageId": req.MessageID,
		"room":      req.Room,
		"deleteFor": "everyone",
	}))
}

// MarkAsRead zeroes the requester's unread counter for a room.
func (r *MessageRouter) MarkAsRead(connID, room string) {
	if counts, ok := r.unread[connID]; ok {
		delete(counts, room)
	}
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventUnreadCount, map[string]any{
		"room":  room,
		"count": 0,
	}))
}

// UnreadCount reports the requester's unread counter for a room.
func (r *MessageRouter) UnreadCount(connID, room string) int {
	return r.unread[connID][room]
}

// HandleGetHistory serves a history request back to the requester.
func (r *MessageRouter) HandleGetHistory(connID string, req protocol.HistoryRequest) {
	if req.Room == "" {
		r.messageError(connID, "Room is required")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > r.cfg.MaxMessageHistory {
		limit = r.cfg.MaxMessageHistory
	}
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventMessageHistory, map[string]any{
		"room":     req.Room,
		"messages": r.store.Recent(req.Room, limit),
	}))
}

// HandleGetUserCount serves the member counts of a room to the requester.
func (r *MessageRouter) HandleGetUserCount(connID, room string) {
	snap := r.presence.Snapshot(room)
	if snap.MemberCount == 0 {
		return
	}
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventUserCount, map[string]any{
		"total":  snap.MemberCount,
		"active": snap.ActiveCount,
		"room":   room,
	}))
}

// RestoreUsername rebinds a username after reconnect, validated against the
// connection's current room.
func (r *MessageRouter) RestoreUsername(connID, username string) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > r.cfg.MaxUsernameLength {
		return
	}
	if err := r.presence.Rename(connID, username); err != nil {
		r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventUsernameTaken, username))
		return
	}
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventUsernameUpdated, map[string]any{
		"username": username,
	}))
	log.Printf("Username restored for %s: %s", connID, username)
}

// SetBackground flags the connection's liveness state and refreshes the
// room's user count. Returning to the foreground re-sends the room roster.
func (r *MessageRouter) SetBackground(connID, room string, background bool, coordinator *RoomCoordinator) {
	if room == "" || r.presence.Room(connID) != room {
		return
	}
	r.presence.SetBackground(connID, background)
	coordinator.BroadcastUserCount(room)

	if !background {
		snap := r.presence.Snapshot(room)
		r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventRoomInfo, map[string]any{
			"room":  room,
			"users": snap.Usernames,
			"count": snap.MemberCount,
		}))
	}
}

// CancelTyping drops any pending typing-expiry timer for the connection.
// Called when it leaves a room so the timer never fires against stale state.
func (r *MessageRouter) CancelTyping(connID string) {
	r.cancelTypingTimer(connID)
}

// Teardown cancels the connection's typing timer and releases its counters.
// Called on disconnect; the central leak-prevention path.
func (r *MessageRouter) Teardown(connID string) {
	r.cancelTypingTimer(connID)
	delete(r.unread, connID)
	r.msgLimiter.Forget(connID)
}

func (r *MessageRouter) bumpUnread(room, senderID string) {
	for _, member := range r.presence.Connections(room) {
		if member == senderID {
			continue
		}
		counts := r.unread[member]
		if counts == nil {
			counts = make(map[string]int)
			r.unread[member] = counts
		}
		counts[room]++
		r.transport.SendTo(member, protocol.NewServerEvent(protocol.EventUnreadCount, map[string]any{
			"room":  room,
			"count": counts[room],
		}))
	}
}

func (r *MessageRouter) isDuplicateSpam(room, username, body string) bool {
	recent := r.store.Recent(room, spamLookback)
	duplicates := 0
	for _, m := range recent {
		if m.Username == username && m.Body == body {
			duplicates++
		}
	}
	return duplicates >= spamThreshold
}

func (r *MessageRouter) broadcastStopTyping(connID, room, username string) {
	r.transport.Broadcast(room, connID, protocol.NewServerEvent(protocol.EventStopTypingOut, map[string]any{
		"room":     room,
		"username": username,
	}))
}

func (r *MessageRouter) cancelTypingTimer(connID string) {
	if cancel, ok := r.typingCancel[connID]; ok {
		cancel()
		delete(r.typingCancel, connID)
	}
}

func (r *MessageRouter) messageError(connID, reason string) {
	r.transport.SendTo(connID, protocol.NewServerEvent(protocol.EventMessageError, reason))
}
