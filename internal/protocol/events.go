// Package protocol defines the canonical event model exchanged between
// clients and the relay. Every inbound event has exactly one internal shape;
// legacy positional and string-only payloads accumulated across client
// revisions are normalized at the decode boundary.
package protocol

// Inbound event names.
const (
	EventJoin            = "join"
	EventLeave           = "leave"
	EventSend            = "send"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventAddReaction     = "add_reaction"
	EventRemoveReaction  = "remove_reaction"
	EventEditMessage     = "edit_message"
	EventDeleteMessage   = "delete_message"
	EventMarkAsRead      = "mark_as_read"
	EventGetHistory      = "get_history"
	EventGetUserCount    = "get_user_count"
	EventRestoreUsername = "restore_username"
	EventBackground      = "background"
	EventForeground      = "foreground"
)

// Outbound event names. The space in "user count" and the camel case in
// "userJoined" are part of the wire contract with existing clients.
const (
	EventJoined          = "join"
	EventUserJoined      = "userJoined"
	EventReceive         = "receive"
	EventMessageSent     = "message_sent"
	EventMessageHistory  = "message_history"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventUserCount       = "user count"
	EventUnreadCount     = "unread_count_updated"
	EventUsernameTaken   = "username_taken"
	EventUsernameUpdated = "username_updated"
	EventRoomInfo        = "room info"
	EventJoinError       = "join_error"
	EventMessageError    = "message_error"
	EventStopTypingOut   = "stop typing"
)

// JoinRequest asks to enter a room under a username. Broadcast defaults to
// true; a silent rejoin after reconnect sets it to false.
type JoinRequest struct {
	Room      string `json:"room"`
	Username  string `json:"username"`
	Broadcast *bool  `json:"broadcast,omitempty"`
}

// WantsBroadcast reports whether the join should be announced to the room.
func (r JoinRequest) WantsBroadcast() bool {
	return r.Broadcast == nil || *r.Broadcast
}

// LeaveRequest asks to leave a room.
type LeaveRequest struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
}

// SendRequest carries a chat message. ID is optional; the server assigns one
// when absent. ReplyTo references an earlier message id.
type SendRequest struct {
	ID      string `json:"id,omitempty"`
	Room    string `json:"room"`
	Message string `json:"message"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// TypingRequest signals a typing indicator change for a room.
type TypingRequest struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
}

// ReactionRequest adds or removes an emoji reaction on a message.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Room      string `json:"room"`
}

// EditRequest replaces the body of a previously sent message.
type EditRequest struct {
	MessageID  string `json:"messageId"`
	NewMessage string `json:"newMessage"`
	Room       string `json:"room"`
}

// DeleteRequest removes a message either for everyone or only for the
// requesting client.
type DeleteRequest struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
	DeleteFor string `json:"deleteFor,omitempty"`
}

// MarkReadRequest zeroes the unread counter for a room.
type MarkReadRequest struct {
	Room string `json:"room"`
}

// HistoryRequest fetches recent messages for a room.
type HistoryRequest struct {
	Room  string `json:"room"`
	Limit int    `json:"limit,omitempty"`
}

// UserCountRequest asks for the current member counts of a room.
type UserCountRequest struct {
	Room string `json:"room"`
}

// RestoreUsernameRequest rebinds a username after a reconnect.
type RestoreUsernameRequest struct {
	Username string `json:"username"`
}

// PresenceStateRequest marks the connection as backgrounded or foregrounded.
type PresenceStateRequest struct {
	Room     string `json:"room"`
	Username string `json:"username,omitempty"`
}
